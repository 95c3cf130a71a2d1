package update

import (
	"context"
	"errors"
	"fmt"
)

// ErrPersist is returned when Execute fails to write the merged state.
var ErrPersist = errors.New("update: persist failed")

// Update is a mergeable, executable partial aggregate for one resource.
type Update interface {
	// ID is the application's primary key for the durable record.
	ID() string
	// Spec is the lookup predicate for the durable record.
	Spec() map[string]any
	// Doc is the partial aggregate.
	Doc() map[string]any

	// Merge folds other into the receiver. It must be commutative and
	// associative.
	Merge(other Update)
	// Execute writes the merged state to durable storage.
	Execute(ctx context.Context) error

	// State returns extra attributes carried in the payload alongside Doc.
	State() map[string]any
	// Clear resets the update to a neutral, re-executable identity.
	Clear()
}

// Base implements the bookkeeping half of Update. Embed it and provide
// Merge and Execute.
type Base struct {
	id   string
	spec map[string]any
	doc  map[string]any
}

// NewBase returns a Base with the given identity. Nil maps are replaced with
// empty ones.
func NewBase(id string, spec, doc map[string]any) Base {
	if spec == nil {
		spec = map[string]any{}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return Base{id: id, spec: spec, doc: doc}
}

func (b *Base) ID() string { return b.id }
func (b *Base) Spec() map[string]any { return b.spec }
func (b *Base) Doc() map[string]any { return b.doc }
func (b *Base) State() map[string]any { return map[string]any{} }
func (b *Base) Clear() { b.doc = map[string]any{} }
func (b *Base) SetDoc(doc map[string]any) { b.doc = doc }

// Persist runs u.Execute, wrapping a failure in ErrPersist.
func Persist(ctx context.Context, u Update) error {
	if err := u.Execute(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPersist, u.ID(), err)
	}
	return nil
}

// Int64 converts a decoded numeric value to int64.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// Float64 converts a decoded numeric value to float64.
func Float64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	if i, ok := Int64(v); ok {
		return float64(i), true
	}
	return 0, false
}
