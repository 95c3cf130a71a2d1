package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"phonon/internal/storage"
)

// Local is a Node backed by an in-process storage.Store.
// Faults can be injected to simulate crashed or slow nodes.
type Local struct {
	id    string
	store storage.Store

	mu       sync.Mutex
	down     bool
	failNext int
	latency  time.Duration
}

var _ Node = (*Local)(nil)

// NewLocal creates a local node. A nil store gets a fresh InMemoryStore.
func NewLocal(id string, store storage.Store) *Local {
	if store == nil {
		store = storage.NewInMemoryStore()
	}
	return &Local{id: id, store: store}
}

// ID returns the node id.
func (l *Local) ID() string { return l.id }

// Store exposes the backing store so tests can inspect node state.
func (l *Local) Store() storage.Store { return l.store }

// SetDown makes every call fail with ErrUnavailable until cleared.
func (l *Local) SetDown(down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = down
}

// FailNext makes the next n calls fail with ErrUnavailable.
func (l *Local) FailNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = n
}

// SetLatency delays every acknowledgement by d. The operation itself is
// applied before the delay, so a caller that gives up early may leave state
// behind on this node.
func (l *Local) SetLatency(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latency = d
}

// Get returns the value for key.
func (l *Local) Get(ctx context.Context, key string) ([]byte, error) {
	if err := l.before(ctx); err != nil {
		return nil, err
	}
	e := l.store.Get(key)
	if err := l.after(ctx); err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}
	return e.Value, nil
}

// Set stores value under key.
func (l *Local) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := l.before(ctx); err != nil {
		return err
	}
	l.store.Set(key, value, ttl)
	return l.after(ctx)
}

// SetNX stores value only if key is absent.
func (l *Local) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := l.before(ctx); err != nil {
		return false, err
	}
	ok := l.store.SetNX(key, value, ttl)
	if err := l.after(ctx); err != nil {
		return false, err
	}
	return ok, nil
}

// Delete removes key.
func (l *Local) Delete(ctx context.Context, key string) error {
	if err := l.before(ctx); err != nil {
		return err
	}
	l.store.Delete(key)
	return l.after(ctx)
}

// CompareAndDelete removes key iff it holds expected.
func (l *Local) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	if err := l.before(ctx); err != nil {
		return false, err
	}
	ok := l.store.CompareAndDelete(key, expected)
	if err := l.after(ctx); err != nil {
		return false, err
	}
	return ok, nil
}

// Close is a no-op for local nodes.
func (l *Local) Close() error { return nil }

func (l *Local) before(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, l.id, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.down {
		return fmt.Errorf("%w: %s is down", ErrUnavailable, l.id)
	}
	if l.failNext > 0 {
		l.failNext--
		return fmt.Errorf("%w: %s injected failure", ErrUnavailable, l.id)
	}
	return nil
}

func (l *Local) after(ctx context.Context) error {
	l.mu.Lock()
	latency := l.latency
	l.mu.Unlock()

	if latency <= 0 {
		return nil
	}

	timer := time.NewTimer(latency)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, l.id, ctx.Err())
	}
}
