package quorum

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"phonon/internal/logging"
	"phonon/internal/node"
	"phonon/internal/repair"
	"phonon/internal/ring"
)

var (
	// ErrQuorumUnreachable is returned when fewer than quorum nodes
	// acknowledged a step or answered a read.
	ErrQuorumUnreachable = errors.New("quorum: quorum unreachable")
	// ErrRolledBack accompanies ErrQuorumUnreachable from Commit once every
	// applied step has been undone.
	ErrRolledBack = errors.New("quorum: commit rolled back")
	// ErrNoMajority is returned by reads when no answer was given by a
	// quorum of nodes.
	ErrNoMajority = errors.New("quorum: no majority value")
)

var rollbackCounter, _ = otel.Meter("phonon/quorum").Int64Counter(
	"phonon.commit_rollbacks",
	metric.WithDescription("Commits rolled back after a step missed its quorum."),
)

// Options configures a Client.
type Options struct {
	// Quorum is the number of acknowledgements a step needs within a shard.
	// Zero means a majority of the shard.
	Quorum int
	// ShardSize is the number of nodes holding each key. Zero means all.
	ShardSize int
	// VNodes is the number of virtual nodes per node on the ring.
	VNodes int
	// Regions maps node ids to region labels. Shards are spread across
	// regions.
	Regions map[string]string
	// Timeout bounds every node call.
	Timeout time.Duration
	// TTL is applied to values put back by rollbacks and read repairs.
	// Zero means no expiry.
	TTL    time.Duration
	Logger *zap.Logger
}

// Client applies operations to a fleet of cache nodes with quorum semantics.
// It owns the node handles passed to New.
type Client struct {
	nodes    map[string]node.Node
	router   *ring.Router
	quorum   int
	timeout  time.Duration
	ttl      time.Duration
	repairer *repair.ReadRepairer
	logger   *zap.Logger
}

// New creates a client over nodes.
func New(nodes []node.Node, opts Options) (*Client, error) {
	if len(nodes) == 0 {
		return nil, errors.New("quorum: no nodes")
	}

	byID := make(map[string]node.Node, len(nodes))
	placed := make([]ring.Node, 0, len(nodes))
	for _, n := range nodes {
		if _, dup := byID[n.ID()]; dup {
			return nil, fmt.Errorf("quorum: duplicate node id %q", n.ID())
		}
		byID[n.ID()] = n
		placed = append(placed, ring.Node{ID: n.ID(), Region: opts.Regions[n.ID()]})
	}

	r := ring.NewRing(opts.VNodes)
	r.SetNodes(placed)
	router := ring.NewRouter(r, opts.ShardSize)

	shard := router.ShardSize()
	q := requiredOrMajority(opts.Quorum, shard)
	if q > shard {
		return nil, fmt.Errorf("quorum: quorum %d exceeds shard size %d", q, shard)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultNodeTimeout
	}
	logger := logging.OrNop(opts.Logger)

	return &Client{
		nodes:    byID,
		router:   router,
		quorum:   q,
		timeout:  timeout,
		ttl:      opts.TTL,
		repairer: repair.NewReadRepairer(timeout, opts.TTL, logger),
		logger:   logger.Named("quorum"),
	}, nil
}

// Quorum returns the number of acknowledgements a step needs.
func (c *Client) Quorum() int { return c.quorum }

// ShardSize returns the number of nodes holding each key.
func (c *Client) ShardSize() int { return c.router.ShardSize() }

// Nodes returns the shard holding key.
func (c *Client) Nodes(key string) []node.Node {
	return c.lookup(c.router.Route(key))
}

func (c *Client) lookup(ids []string) []node.Node {
	nodes := make([]node.Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := c.nodes[id]; ok {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// Put stores value under key on a quorum of its shard.
func (c *Client) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.Commit(ctx, Set(key, value, ttl))
}

// Delete removes key from a quorum of its shard.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.Commit(ctx, Delete(key))
}

// Get returns the value a quorum of the shard agrees on. Nodes that
// disagreed are repaired in the background.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return c.get(ctx, key, true)
}

// Peek is Get without read repair. Use it for reads made outside the key's
// lock, where a repair could race a concurrent commit.
func (c *Client) Peek(ctx context.Context, key string) ([]byte, bool, error) {
	return c.get(ctx, key, false)
}

func (c *Client) get(ctx context.Context, key string, repairStale bool) ([]byte, bool, error) {
	res := DoRead(ctx, c.Nodes(key), c.quorum, c.timeout, func(ctx context.Context, n node.Node) ([]byte, error) {
		return n.Get(ctx, key)
	})
	if !res.Success() {
		err := fmt.Errorf("%w: get %s: responses=%d required=%d", ErrQuorumUnreachable, key, res.Responses, res.Required)
		return nil, false, multierr.Append(err, res.Err)
	}

	rec := repair.Reconcile(res.Votes)
	if !rec.HasQuorum(c.quorum) {
		return nil, false, fmt.Errorf("%w: get %s: best answer has %d of %d required votes", ErrNoMajority, key, rec.Votes, c.quorum)
	}
	if repairStale && len(rec.Stale) > 0 {
		c.repairer.Repair(key, rec.Winner, c.lookup(rec.Stale))
	}
	return rec.Winner.Value, rec.Winner.Found, nil
}

// SetNX tries to store value under key on every node of the shard where it
// is absent. Nothing is undone; the caller inspects Acks.
func (c *Client) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) WriteResult {
	return DoWrite(ctx, c.Nodes(key), c.quorum, c.timeout, func(ctx context.Context, n node.Node) (bool, error) {
		return n.SetNX(ctx, key, value, ttl)
	})
}

// CompareAndDelete removes key from every node of the shard where it holds
// expected. Acks counts the nodes that removed it.
func (c *Client) CompareAndDelete(ctx context.Context, key string, expected []byte) WriteResult {
	return DoWrite(ctx, c.Nodes(key), c.quorum, c.timeout, func(ctx context.Context, n node.Node) (bool, error) {
		return n.CompareAndDelete(ctx, key, expected)
	})
}

type undoStep struct {
	nodeID string
	undo   undoFunc
}

// Commit applies ops in order. Each step must be acknowledged by a quorum of
// its key's shard. When a step falls short, every node-local change made so
// far, including the partial acknowledgements of the failing step, is undone
// in reverse order before Commit returns an error wrapping both
// ErrQuorumUnreachable and ErrRolledBack.
func (c *Client) Commit(ctx context.Context, ops ...Operation) error {
	applied := make([][]undoStep, 0, len(ops))

	for i, op := range ops {
		var (
			mu    sync.Mutex
			steps []undoStep
		)
		res := DoWrite(ctx, c.Nodes(op.key), c.quorum, c.timeout, func(ctx context.Context, n node.Node) (bool, error) {
			ok, undo, err := op.apply(ctx, n, c.ttl)
			if undo != nil {
				mu.Lock()
				steps = append(steps, undoStep{nodeID: n.ID(), undo: undo})
				mu.Unlock()
			}
			return ok, err
		})
		applied = append(applied, steps)

		if !res.Success() {
			c.logger.Warn("commit step missed quorum",
				zap.Stringer("op", op), zap.Int("step", i+1), zap.Int("steps", len(ops)),
				zap.Int("acks", res.Acks), zap.Int("required", res.Required), zap.Error(res.Err))

			err := fmt.Errorf("%w: %w: step %d of %d (%s): acks=%d required=%d",
				ErrQuorumUnreachable, ErrRolledBack, i+1, len(ops), op, res.Acks, res.Required)
			return multierr.Combine(err, res.Err, c.rollback(ctx, applied))
		}
	}
	return nil
}

// rollback issues the recorded undos, most recent step first. It runs even
// if ctx is already done.
func (c *Client) rollback(ctx context.Context, applied [][]undoStep) error {
	ctx = context.WithoutCancel(ctx)
	rollbackCounter.Add(ctx, 1)

	var errs error
	for i := len(applied) - 1; i >= 0; i-- {
		stepErrs := make([]error, len(applied[i]))

		var wg sync.WaitGroup
		for j, s := range applied[i] {
			wg.Add(1)
			go func() {
				defer wg.Done()

				undoCtx, cancel := context.WithTimeout(ctx, c.timeout)
				defer cancel()
				if err := s.undo(undoCtx); err != nil {
					stepErrs[j] = fmt.Errorf("rollback on node %s: %w", s.nodeID, err)
				}
			}()
		}
		wg.Wait()

		errs = multierr.Append(errs, multierr.Combine(stepErrs...))
	}

	if errs != nil {
		c.logger.Error("rollback incomplete", zap.Error(errs))
	}
	return errs
}

// Close waits for in-flight read repairs and closes every node.
func (c *Client) Close() error {
	c.repairer.Wait()

	var err error
	for _, n := range c.nodes {
		err = multierr.Append(err, n.Close())
	}
	return err
}
