package reference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"phonon/internal/lock"
	"phonon/internal/logging"
	"phonon/internal/quorum"
)

var (
	// ErrRegistrationFailed is returned by Register when the lock could not
	// be acquired within the allowed attempts or the record write failed.
	ErrRegistrationFailed = errors.New("reference: registration failed")
	// ErrNotHolder is returned by Refresh for a process that is not a holder.
	ErrNotHolder = errors.New("reference: not a holder")
)

const (
	// DefaultAttempts bounds lock attempts per mutation.
	DefaultAttempts = 5
	// DefaultRetryInterval is the first pause between lock attempts.
	DefaultRetryInterval = 50 * time.Millisecond
)

// Client is the quorum surface a Reference reads and writes through.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Peek(ctx context.Context, key string) ([]byte, bool, error)
	Commit(ctx context.Context, ops ...quorum.Operation) error
}

// Locker serializes mutations of one resource.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Options configures a Reference.
type Options struct {
	Namespace string
	// RecordTTL is the lifetime of the record and payload keys. Zero means
	// no expiry.
	RecordTTL time.Duration
	// SessionTTL drops holders that have not registered or refreshed for
	// this long. Zero disables pruning.
	SessionTTL time.Duration
	// Attempts bounds lock attempts per mutation.
	Attempts      int
	RetryInterval time.Duration
	Logger        *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	return o
}

// Result is the outcome of a dereference.
type Result struct {
	// Remaining is the size of the holder set afterwards.
	Remaining int
	// Payloads are the cached payloads, in the order they were cached. Only
	// the call that empties the holder set receives them.
	Payloads [][]byte
	// Pruned lists holders dropped for exceeding the session TTL.
	Pruned []string
}

// Last reports whether the call emptied the holder set.
func (r Result) Last() bool { return r.Remaining == 0 }

// Reference is a handle on the distributed reference record of one resource.
// It holds no state of its own; every call goes to the node fleet.
type Reference struct {
	keys   Keys
	client Client
	locker Locker
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// New returns a handle for resource.
func New(resource string, client Client, locker Locker, opts Options) *Reference {
	opts = opts.withDefaults()
	return &Reference{
		keys:   Keys{Namespace: opts.Namespace, Resource: resource},
		client: client,
		locker: locker,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("reference").With(zap.String("resource", resource)),
		now:    time.Now,
	}
}

// Resource returns the resource key.
func (r *Reference) Resource() string { return r.keys.Resource }

// Keys returns the cache-node keys of the resource.
func (r *Reference) Keys() Keys { return r.keys }

// Register adds pid to the holder set. Registering an existing holder
// refreshes it.
func (r *Reference) Register(ctx context.Context, pid string) error {
	err := r.locked(ctx, func(ctx context.Context) error {
		rec, _, err := r.read(ctx)
		if err != nil {
			return err
		}
		r.logPruned(rec.prune(r.now(), r.opts.SessionTTL))
		rec.Holders[pid] = r.now().UnixMilli()
		return r.commit(ctx, rec)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRegistrationFailed, r.keys.Resource, err)
	}
	r.logger.Debug("registered", zap.String("process", pid))
	return nil
}

// Refresh renews pid's session.
func (r *Reference) Refresh(ctx context.Context, pid string) error {
	return r.locked(ctx, func(ctx context.Context) error {
		rec, _, err := r.read(ctx)
		if err != nil {
			return err
		}
		if _, ok := rec.Holders[pid]; !ok {
			return fmt.Errorf("%w: %s is not holding %s", ErrNotHolder, pid, r.keys.Resource)
		}
		rec.Holders[pid] = r.now().UnixMilli()
		return r.commit(ctx, rec)
	})
}

// CachePayload leaves payload behind for whichever holder ends up last.
func (r *Reference) CachePayload(ctx context.Context, payload []byte) error {
	return r.locked(ctx, func(ctx context.Context) error {
		rec, _, err := r.read(ctx)
		if err != nil {
			return err
		}
		ops := []quorum.Operation{quorum.Set(r.keys.PayloadKey(rec.CacheCount), payload, r.opts.RecordTTL)}
		rec.CacheCount++
		return r.commit(ctx, rec, ops...)
	})
}

// Count returns the number of live holders as seen by a quorum read.
func (r *Reference) Count(ctx context.Context) (int, error) {
	holders, err := r.Holders(ctx)
	return len(holders), err
}

// Holders returns the live holders, sorted.
func (r *Reference) Holders(ctx context.Context) ([]string, error) {
	data, found, err := r.client.Peek(ctx, r.keys.RecordKey())
	if err != nil || !found {
		return nil, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("reference: decode %s: %w", r.keys.RecordKey(), err)
	}
	rec.prune(r.now(), r.opts.SessionTTL)
	return rec.holderIDs(), nil
}

// CacheCount returns the number of payloads cached since the holder set was
// last empty.
func (r *Reference) CacheCount(ctx context.Context) (int, error) {
	data, found, err := r.client.Peek(ctx, r.keys.RecordKey())
	if err != nil || !found {
		return 0, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return 0, fmt.Errorf("reference: decode %s: %w", r.keys.RecordKey(), err)
	}
	return rec.CacheCount, nil
}

// Dereference removes pid from the holder set. If the set becomes empty the
// record and every cached payload are deleted and the payloads returned.
func (r *Reference) Dereference(ctx context.Context, pid string) (Result, error) {
	return r.EndSession(ctx, pid, nil)
}

// EndSession is Dereference that, when other holders remain, also caches
// payload in the same critical section. The last holder gets the payloads
// back instead and is expected to merge its own state with them.
func (r *Reference) EndSession(ctx context.Context, pid string, payload []byte) (Result, error) {
	var res Result
	err := r.locked(ctx, func(ctx context.Context) error {
		res = Result{}

		rec, found, err := r.read(ctx)
		if err != nil {
			return err
		}
		delete(rec.Holders, pid)
		res.Pruned = rec.prune(r.now(), r.opts.SessionTTL)
		res.Remaining = len(rec.Holders)

		if res.Remaining > 0 {
			var ops []quorum.Operation
			if payload != nil {
				ops = append(ops, quorum.Set(r.keys.PayloadKey(rec.CacheCount), payload, r.opts.RecordTTL))
				rec.CacheCount++
			}
			return r.commit(ctx, rec, ops...)
		}

		if !found {
			return nil
		}
		res.Payloads, err = r.collect(ctx, rec.CacheCount)
		if err != nil {
			return err
		}
		ops := make([]quorum.Operation, 0, rec.CacheCount+1)
		for i := 0; i < rec.CacheCount; i++ {
			ops = append(ops, quorum.Delete(r.keys.PayloadKey(i)))
		}
		ops = append(ops, quorum.Delete(r.keys.RecordKey()))
		return r.client.Commit(ctx, ops...)
	})
	if err != nil {
		return Result{}, err
	}

	r.logPruned(res.Pruned)
	r.logger.Debug("dereferenced",
		zap.String("process", pid), zap.Int("remaining", res.Remaining), zap.Int("payloads", len(res.Payloads)))
	return res, nil
}

// locked runs fn under the resource lock, retrying lock contention with
// exponential backoff up to the configured attempts. Any other failure ends
// the attempts.
func (r *Reference) locked(ctx context.Context, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.RetryInterval
	b.MaxInterval = 10 * r.opts.RetryInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.opts.Attempts-1)), ctx)
	return backoff.Retry(func() error {
		err := r.locker.WithLock(ctx, r.keys.LockKey(), fn)
		if err == nil || errors.Is(err, lock.ErrLockUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// read returns the current record, or an empty one if absent.
func (r *Reference) read(ctx context.Context) (*Record, bool, error) {
	data, found, err := r.client.Get(ctx, r.keys.RecordKey())
	if err != nil {
		return nil, false, err
	}
	if !found {
		return &Record{Holders: make(map[string]int64)}, false, nil
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, false, fmt.Errorf("reference: decode %s: %w", r.keys.RecordKey(), err)
	}
	return rec, true, nil
}

// commit writes rec after ops in one quorum commit.
func (r *Reference) commit(ctx context.Context, rec *Record, ops ...quorum.Operation) error {
	data, err := rec.encode()
	if err != nil {
		return fmt.Errorf("reference: encode %s: %w", r.keys.RecordKey(), err)
	}
	ops = append(ops, quorum.Set(r.keys.RecordKey(), data, r.opts.RecordTTL))
	return r.client.Commit(ctx, ops...)
}

func (r *Reference) collect(ctx context.Context, count int) ([][]byte, error) {
	payloads := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		key := r.keys.PayloadKey(i)
		data, found, err := r.client.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			r.logger.Warn("cached payload missing", zap.String("key", key))
			continue
		}
		payloads = append(payloads, data)
	}
	return payloads, nil
}

func (r *Reference) logPruned(pruned []string) {
	if len(pruned) > 0 {
		r.logger.Info("dropped expired holders", zap.Strings("processes", pruned))
	}
}
