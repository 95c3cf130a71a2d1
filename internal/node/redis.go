package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
)

// compareAndDeleteScript deletes KEYS[1] only if it holds ARGV[1].
var compareAndDeleteScript = redis.NewScript(1, `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// RedisOptions tunes the connection pool of a Redis node.
type RedisOptions struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxIdle      int
}

func (o RedisOptions) withDefaults() RedisOptions {
	if o.DialTimeout <= 0 {
		o.DialTimeout = time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = time.Second
	}
	if o.MaxIdle <= 0 {
		o.MaxIdle = 8
	}
	return o
}

// Redis is a Node backed by a Redis server.
type Redis struct {
	id   string
	pool *redis.Pool
}

var _ Node = (*Redis)(nil)

// NewRedis creates a Redis node for addr, which is either host:port or a
// redis:// URL.
func NewRedis(id, addr string, opts RedisOptions) *Redis {
	opts = opts.withDefaults()
	dialOpts := []redis.DialOption{
		redis.DialConnectTimeout(opts.DialTimeout),
		redis.DialReadTimeout(opts.ReadTimeout),
		redis.DialWriteTimeout(opts.WriteTimeout),
	}

	pool := &redis.Pool{
		MaxIdle:     opts.MaxIdle,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			if strings.Contains(addr, "://") {
				return redis.DialURLContext(ctx, addr, dialOpts...)
			}
			return redis.DialContext(ctx, "tcp", addr, dialOpts...)
		},
	}
	return NewRedisFromPool(id, pool)
}

// NewRedisFromPool creates a Redis node over an existing pool. The node
// takes ownership of the pool.
func NewRedisFromPool(id string, pool *redis.Pool) *Redis {
	return &Redis{id: id, pool: pool}
}

// ID returns the node id.
func (r *Redis) ID() string { return r.id }

// Get returns the value for key.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	value, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", key))
	if errors.Is(err, redis.ErrNil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, r.mapError("GET", err)
	}
	return value, nil
}

// Set stores value under key.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	conn, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	args := redis.Args{key, value}
	if ttl > 0 {
		args = args.Add("PX", ttlMillis(ttl))
	}
	if _, err := redis.DoContext(conn, ctx, "SET", args...); err != nil {
		return r.mapError("SET", err)
	}
	return nil
}

// SetNX stores value only if key is absent.
func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	args := redis.Args{key, value, "NX"}
	if ttl > 0 {
		args = args.Add("PX", ttlMillis(ttl))
	}
	_, err = redis.String(redis.DoContext(conn, ctx, "SET", args...))
	switch {
	case errors.Is(err, redis.ErrNil):
		return false, nil
	case err != nil:
		return false, r.mapError("SET NX", err)
	}
	return true, nil
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	conn, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := redis.DoContext(conn, ctx, "DEL", key); err != nil {
		return r.mapError("DEL", err)
	}
	return nil
}

// CompareAndDelete removes key iff it holds expected.
func (r *Redis) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	n, err := redis.Int(compareAndDeleteScript.DoContext(ctx, conn, key, expected))
	if err != nil {
		return false, r.mapError("CAD", err)
	}
	return n > 0, nil
}

// Close closes the connection pool.
func (r *Redis) Close() error {
	return r.pool.Close()
}

func (r *Redis) conn(ctx context.Context) (redis.Conn, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, r.id, err)
	}
	return conn, nil
}

// mapError keeps Redis error replies as plain errors and treats everything
// else (I/O, timeouts, closed pool) as the node being unavailable.
func (r *Redis) mapError(cmd string, err error) error {
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return fmt.Errorf("node %s %s: %w", r.id, cmd, err)
	}
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, r.id, cmd, err)
}
