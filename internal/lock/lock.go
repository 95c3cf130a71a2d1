package lock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"phonon/internal/logging"
	"phonon/internal/quorum"
)

// ErrLockUnavailable is returned when a quorum did not grant the lock within
// the acquisition budget and the validity window.
var ErrLockUnavailable = errors.New("lock: unavailable")

const (
	// DefaultTTL is the lifetime of a lock token on the nodes.
	DefaultTTL = 30 * time.Second
	// DefaultBudget bounds one acquisition attempt.
	DefaultBudget = time.Second
)

var acquireCounter, _ = otel.Meter("phonon/lock").Int64Counter(
	"phonon.lock_acquisitions",
	metric.WithDescription("Lock acquisition attempts by outcome."),
)

// Client is the quorum surface the lock is built on.
type Client interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) quorum.WriteResult
	CompareAndDelete(ctx context.Context, key string, expected []byte) quorum.WriteResult
	Quorum() int
}

// Options configures a Locker.
type Options struct {
	TTL    time.Duration
	Budget time.Duration
	Logger *zap.Logger
}

// Locker hands out locks on keys.
type Locker struct {
	client Client
	ttl    time.Duration
	budget time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewLocker creates a Locker over client.
func NewLocker(client Client, opts Options) *Locker {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	return &Locker{
		client: client,
		ttl:    opts.TTL,
		budget: opts.Budget,
		logger: logging.OrNop(opts.Logger).Named("lock"),
		now:    time.Now,
	}
}

// drift is the clock drift allowance for a lock of the given ttl.
func drift(ttl time.Duration) time.Duration {
	return ttl/100 + 2*time.Millisecond
}

// Acquire makes one attempt to lock key for ttl (the Locker's TTL if ttl is
// not positive). It does not retry; on failure every node that accepted the
// token is released and ErrLockUnavailable is returned.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = l.ttl
	}
	token := []byte(uuid.NewString())

	attemptCtx, cancel := context.WithTimeout(ctx, min(l.budget, ttl))
	start := l.now()
	res := l.client.SetNX(attemptCtx, key, token, ttl)
	elapsed := l.now().Sub(start)
	cancel()

	validity := ttl - elapsed - drift(ttl)
	if res.Acks >= l.client.Quorum() && validity > 0 {
		acquireCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "acquired")))
		return &Lock{
			locker:     l,
			key:        key,
			token:      token,
			validUntil: start.Add(validity),
		}, nil
	}

	acquireCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "unavailable")))
	// A node may have stored the token even though its ack never arrived.
	l.release(ctx, key, token)

	err := fmt.Errorf("%w: %s: acks=%d required=%d elapsed=%v ttl=%v",
		ErrLockUnavailable, key, res.Acks, l.client.Quorum(), elapsed, ttl)
	if res.Err != nil {
		err = fmt.Errorf("%w: %w", err, res.Err)
	}
	return nil, err
}

// WithLock runs fn while holding the lock on key. The lock is released on
// every exit path, including a panic in fn. fn's context ends when the lock's
// validity window closes.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lk, err := l.Acquire(ctx, key, 0)
	if err != nil {
		return err
	}
	defer func() {
		if err := lk.Release(ctx); err != nil {
			l.logger.Warn("release failed", zap.String("key", key), zap.Error(err))
		}
	}()

	lockCtx, cancel := context.WithDeadline(ctx, lk.validUntil)
	defer cancel()
	return fn(lockCtx)
}

func (l *Locker) release(ctx context.Context, key string, token []byte) quorum.WriteResult {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.budget)
	defer cancel()
	return l.client.CompareAndDelete(ctx, key, token)
}

// Lock is a held lock.
type Lock struct {
	locker     *Locker
	key        string
	token      []byte
	validUntil time.Time
	released   atomic.Bool
}

// Key returns the locked key.
func (lk *Lock) Key() string { return lk.key }

// Token returns the random token identifying this holder.
func (lk *Lock) Token() string { return string(lk.token) }

// Validity returns how much of the validity window remains.
func (lk *Lock) Validity() time.Duration {
	return lk.validUntil.Sub(lk.locker.now())
}

// Release deletes the token from every node that still holds it. Calling it
// more than once is a no-op. Errors are informational: an unreleased token
// expires with its TTL.
func (lk *Lock) Release(ctx context.Context) error {
	if !lk.released.CompareAndSwap(false, true) {
		return nil
	}
	res := lk.locker.release(ctx, lk.key, lk.token)
	if res.Err != nil {
		return fmt.Errorf("lock: release %s: %w", lk.key, res.Err)
	}
	return nil
}
