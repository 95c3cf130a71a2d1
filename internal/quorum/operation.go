package quorum

import (
	"context"
	"errors"
	"fmt"
	"time"

	"phonon/internal/node"
)

type opKind int

const (
	opSet opKind = iota
	opDelete
	opSetNX
	opCompareAndDelete
)

func (k opKind) String() string {
	switch k {
	case opSet:
		return "SET"
	case opDelete:
		return "DELETE"
	case opSetNX:
		return "SETNX"
	case opCompareAndDelete:
		return "COMPARE-AND-DELETE"
	}
	return fmt.Sprintf("op(%d)", int(k))
}

// Operation is one node-local atomic step of a Commit. Every operation has
// an inverse that restores the node to its state before the step.
type Operation struct {
	kind  opKind
	key   string
	value []byte
	ttl   time.Duration
}

// Set stores value under key.
func Set(key string, value []byte, ttl time.Duration) Operation {
	return Operation{kind: opSet, key: key, value: value, ttl: ttl}
}

// Delete removes key.
func Delete(key string) Operation {
	return Operation{kind: opDelete, key: key}
}

// SetNX stores value under key only where key is absent. A node that
// already holds the key does not count towards the quorum.
func SetNX(key string, value []byte, ttl time.Duration) Operation {
	return Operation{kind: opSetNX, key: key, value: value, ttl: ttl}
}

// CompareAndDelete removes key where it holds expected.
func CompareAndDelete(key string, expected []byte) Operation {
	return Operation{kind: opCompareAndDelete, key: key, value: expected}
}

// Key returns the key the operation touches.
func (op Operation) Key() string { return op.key }

func (op Operation) String() string {
	return op.kind.String() + " " + op.key
}

// undoFunc restores one node to its state before an operation.
type undoFunc func(ctx context.Context) error

// apply runs op on n. For SET, DELETE and SETNX the returned undo is non-nil
// whenever the node may have changed, including when the call failed after
// being sent. A failed COMPARE-AND-DELETE is never undone: restoring a value
// the node may not have held would be worse than losing it.
// restoreTTL is used for values put back by the undo.
func (op Operation) apply(ctx context.Context, n node.Node, restoreTTL time.Duration) (bool, undoFunc, error) {
	switch op.kind {
	case opSet, opDelete:
		prior, err := n.Get(ctx, op.key)
		existed := err == nil
		if err != nil && !errors.Is(err, node.ErrNotFound) {
			return false, nil, err
		}
		undo := func(ctx context.Context) error {
			if existed {
				return n.Set(ctx, op.key, prior, restoreTTL)
			}
			return n.Delete(ctx, op.key)
		}

		if op.kind == opSet {
			err = n.Set(ctx, op.key, op.value, op.ttl)
		} else {
			err = n.Delete(ctx, op.key)
		}
		return err == nil, undo, err

	case opSetNX:
		ok, err := n.SetNX(ctx, op.key, op.value, op.ttl)
		undo := func(ctx context.Context) error {
			_, err := n.CompareAndDelete(ctx, op.key, op.value)
			return err
		}
		if err != nil {
			return false, undo, err
		}
		if !ok {
			return false, nil, nil
		}
		return true, undo, nil

	case opCompareAndDelete:
		ok, err := n.CompareAndDelete(ctx, op.key, op.value)
		if err != nil || !ok {
			return false, nil, err
		}
		return true, func(ctx context.Context) error {
			return n.Set(ctx, op.key, op.value, restoreTTL)
		}, nil
	}
	return false, nil, fmt.Errorf("unknown operation %v", op.kind)
}
