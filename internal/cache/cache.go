package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"phonon/internal/logging"
	"phonon/internal/reference"
	"phonon/internal/update"
)

// ErrNotCached is returned by Expire for a key the cache does not hold.
var ErrNotCached = errors.New("cache: key not cached")

// Sessions is the worker-side view of references that the cache drives.
// *process.Process implements it.
type Sessions interface {
	CreateReference(ctx context.Context, resource string) (*reference.Reference, error)
	CachePayload(ctx context.Context, resource string, payload []byte) error
	EndSession(ctx context.Context, resource string, payload []byte) (reference.Result, error)
}

// Options configures a Cache.
type Options struct {
	// InitCache leaves each update's payload on the fleet as soon as its
	// reference is registered, then clears the local copy. A worker that
	// dies before its session ends loses nothing that was set before.
	InitCache bool
	Logger    *zap.Logger
}

// Cache is a bounded, least-recently-set map from resource key to update.
type Cache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU
	capacity int
	sessions Sessions
	codec    *update.Codec
	opts     Options
	logger   *zap.Logger
	failed   update.Update

	endings metric.Int64Counter
}

// New returns a cache holding at most capacity updates.
func New(capacity int, sessions Sessions, codec *update.Codec, opts Options) (*Cache, error) {
	lru, err := simplelru.NewLRU(capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	endings, _ := otel.Meter("phonon/cache").Int64Counter("phonon.cache.session_ends",
		metric.WithDescription("Sessions ended by eviction or expiry"))
	return &Cache{
		lru:      lru,
		capacity: capacity,
		sessions: sessions,
		codec:    codec,
		opts:     opts,
		logger:   logging.OrNop(opts.Logger).Named("cache"),
		endings:  endings,
	}, nil
}

// Set caches u under key. If key is already cached u is merged into the
// cached update, which becomes most recently set, and Set returns false.
// Otherwise the worker registers for key, the least recently set entry is
// evicted if the cache is full, and u is inserted. With InitCache, failing to
// leave the payload on the fleet is reported after u is inserted.
func (c *Cache) Set(ctx context.Context, key string, u update.Update) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.lru.Get(key); ok {
		v.(update.Update).Merge(u)
		return false, nil
	}

	if c.lru.Len() >= c.capacity {
		k, v, _ := c.lru.RemoveOldest()
		if err := c.endSession(ctx, k.(string), v.(update.Update), "evicted"); err != nil {
			return false, err
		}
	}

	if _, err := c.sessions.CreateReference(ctx, key); err != nil {
		return false, err
	}
	c.lru.Add(key, u)

	if c.opts.InitCache {
		if err := c.cache(ctx, key, u); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (c *Cache) cache(ctx context.Context, key string, u update.Update) error {
	payload, err := c.codec.Encode(u)
	if err != nil {
		return err
	}
	if err := c.sessions.CachePayload(ctx, key, payload); err != nil {
		return err
	}
	u.Clear()
	return nil
}

// Get returns the cached update for key without touching its position.
func (c *Cache) Get(key string) (update.Update, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Peek(key)
	if !ok {
		return nil, false
	}
	return v.(update.Update), true
}

// Contains reports whether key is cached.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// Len returns the number of cached updates.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns the cached keys, least recently set first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.lru.Keys()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.(string)
	}
	return out
}

// LastFailed returns the last update whose session failed to end, or nil.
func (c *Cache) LastFailed() update.Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Expire removes key and ends its session.
func (c *Cache) Expire(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Peek(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotCached, key)
	}
	c.lru.Remove(key)
	return c.endSession(ctx, key, v.(update.Update), "expired")
}

// ExpireAll ends the session of every cached update, oldest first. It stops
// at the first failure: the failed update is in LastFailed and the updates
// after it stay cached, so a later ExpireAll picks up where this one ended.
func (c *Cache) ExpireAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.lru.Len() > 0 {
		k, v, _ := c.lru.RemoveOldest()
		if err := c.endSession(ctx, k.(string), v.(update.Update), "expired"); err != nil {
			return err
		}
	}
	return nil
}

// endSession gives up the worker's hold on key. If other holders remain, u
// is left on the fleet for them; otherwise the payloads they left are merged
// into u and it is persisted.
func (c *Cache) endSession(ctx context.Context, key string, u update.Update, reason string) error {
	c.endings.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))

	err := c.finish(ctx, key, u)
	if err != nil {
		c.failed = u
		c.logger.Warn("end of session failed", zap.String("key", key), zap.String("reason", reason), zap.Error(err))
		return err
	}
	return nil
}

func (c *Cache) finish(ctx context.Context, key string, u update.Update) error {
	payload, err := c.codec.Encode(u)
	if err != nil {
		return err
	}

	res, err := c.sessions.EndSession(ctx, key, payload)
	if err != nil {
		return err
	}
	if !res.Last() {
		c.logger.Debug("payload left for remaining holders", zap.String("key", key), zap.Int("remaining", res.Remaining))
		return nil
	}

	if err := c.codec.MergeInto(u, res.Payloads); err != nil {
		return fmt.Errorf("cache: merge %s: %w", key, err)
	}
	if err := update.Persist(ctx, u); err != nil {
		return err
	}
	c.logger.Debug("flushed", zap.String("key", key), zap.Int("merged", len(res.Payloads)))
	return nil
}
