package phonon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"phonon/internal/cache"
	"phonon/internal/config"
	"phonon/internal/lock"
	"phonon/internal/logging"
	"phonon/internal/node"
	"phonon/internal/process"
	"phonon/internal/quorum"
	"phonon/internal/reference"
	"phonon/internal/update"
)

type (
	Config    = config.Config
	Update    = update.Update
	Base      = update.Base
	Envelope  = update.Envelope
	Codec     = update.Codec
	Factory   = update.Factory
	Reference = reference.Reference
	Process   = process.Process
	Cache     = cache.Cache
)

var (
	ErrLockUnavailable    = lock.ErrLockUnavailable
	ErrRegistrationFailed = reference.ErrRegistrationFailed
	ErrQuorumUnreachable  = quorum.ErrQuorumUnreachable
	ErrPersist            = update.ErrPersist
)

// NewBase returns the bookkeeping half of an Update.
func NewBase(id string, spec, doc map[string]any) Base { return update.NewBase(id, spec, doc) }

// NewCodec returns a payload codec that rebuilds updates with factory.
func NewCodec(factory Factory) *Codec { return update.NewCodec(factory) }

// probeKey is read from every node at Dial to check reachability.
const probeKey = "{probe}"

// Fleet is a connection to the cache nodes of one deployment.
type Fleet struct {
	cfg    config.Config
	client *quorum.Client
	locker *lock.Locker
	conns  *node.ClientManager
	logger *zap.Logger
}

// Dial connects to every node in cfg and checks that a quorum of them
// answers. Addresses with a redis:// scheme are Redis servers; all others
// are gRPC cache nodes.
func Dial(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Fleet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger)

	conns := node.NewClientManager()
	peers := cfg.Peers()
	nodes := make([]node.Node, 0, len(peers))
	for _, p := range peers {
		n, err := dialNode(conns, p, cfg)
		if err != nil {
			return nil, multierr.Append(err, conns.Close())
		}
		nodes = append(nodes, n)
	}

	client, err := quorum.New(nodes, quorum.Options{
		Quorum:    cfg.EffectiveQuorum(),
		ShardSize: cfg.EffectiveShardSize(),
		VNodes:    cfg.VNodes,
		Regions:   cfg.NodeRegions(),
		Timeout:   cfg.NodeTimeout,
		TTL:       cfg.RecordTTL,
		Logger:    logger,
	})
	if err != nil {
		return nil, multierr.Append(err, conns.Close())
	}

	f := &Fleet{
		cfg:    *cfg,
		client: client,
		locker: lock.NewLocker(client, lock.Options{TTL: cfg.LockTTL, Budget: cfg.LockBudget, Logger: logger}),
		conns:  conns,
		logger: logger.Named("fleet"),
	}

	if err := f.probe(ctx, nodes); err != nil {
		return nil, multierr.Append(err, f.Close())
	}
	return f, nil
}

func dialNode(conns *node.ClientManager, p config.Peer, cfg *config.Config) (node.Node, error) {
	if strings.HasPrefix(p.Addr, "redis://") || strings.HasPrefix(p.Addr, "rediss://") {
		return node.NewRedis(p.ID, p.Addr, node.RedisOptions{
			DialTimeout:  cfg.NodeTimeout,
			ReadTimeout:  cfg.NodeTimeout,
			WriteTimeout: cfg.NodeTimeout,
		}), nil
	}
	return conns.Node(p.ID, p.Addr)
}

// probe reads a key from every node in parallel and fails unless at least
// a quorum of them answered.
func (f *Fleet) probe(ctx context.Context, nodes []node.Node) error {
	answered := make([]bool, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	for i, n := range nodes {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, f.cfg.NodeTimeout)
			defer cancel()

			_, err := n.Get(callCtx, f.cfg.Namespace+":"+probeKey)
			if err != nil && !errors.Is(err, node.ErrNotFound) {
				f.logger.Warn("node unreachable", zap.String("node", n.ID()), zap.Error(err))
				return nil
			}
			answered[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	up := 0
	for _, ok := range answered {
		if ok {
			up++
		}
	}
	f.logger.Info("fleet dialed", zap.Int("nodes", len(nodes)), zap.Int("reachable", up),
		zap.Int("quorum", f.client.Quorum()), zap.Int("shard_size", f.client.ShardSize()))
	if up < f.client.Quorum() {
		return fmt.Errorf("%w: %d of %d nodes reachable", quorum.ErrQuorumUnreachable, up, len(nodes))
	}
	return nil
}

// Client returns the quorum client over the fleet.
func (f *Fleet) Client() *quorum.Client { return f.client }

// Locker returns the fleet's lock service.
func (f *Fleet) Locker() *lock.Locker { return f.locker }

// Config returns the configuration the fleet was dialed with.
func (f *Fleet) Config() config.Config { return f.cfg }

// NewProcess starts a worker process with the fleet's tuning.
func (f *Fleet) NewProcess(ctx context.Context) (*process.Process, error) {
	return process.New(ctx, f.client, f.locker, process.Options{
		Namespace:         f.cfg.Namespace,
		RecordTTL:         f.cfg.RecordTTL,
		SessionTTL:        f.cfg.SessionTTL,
		Attempts:          f.cfg.RegisterAttempts,
		RetryInterval:     f.cfg.RetryInterval,
		HeartbeatInterval: f.cfg.HeartbeatInterval,
		Logger:            f.logger,
	})
}

// Worker pairs a process with its merge cache.
type Worker struct {
	Process *process.Process
	Cache   *cache.Cache
	codec   *update.Codec
}

// NewWorker starts a process and a cache of the configured capacity over it.
func (f *Fleet) NewWorker(ctx context.Context, codec *update.Codec) (*Worker, error) {
	p, err := f.NewProcess(ctx)
	if err != nil {
		return nil, err
	}
	c, err := cache.New(f.cfg.CacheCapacity, p, codec, cache.Options{
		InitCache: f.cfg.InitCache,
		Logger:    f.logger,
	})
	if err != nil {
		return nil, multierr.Append(err, p.Stop(ctx, nil))
	}
	return &Worker{Process: p, Cache: c, codec: codec}, nil
}

// Close ends every cached session and stops the process. References the
// process adopted from dead peers are flushed with the codec. If a session
// fails to end the process keeps running, the remaining updates stay cached,
// and Close may be called again.
func (w *Worker) Close(ctx context.Context) error {
	if err := w.Cache.ExpireAll(ctx); err != nil {
		return err
	}
	return w.Process.Stop(ctx, w.codec.Flush)
}

// Close releases the fleet's node connections.
func (f *Fleet) Close() error {
	return multierr.Append(f.client.Close(), f.conns.Close())
}
