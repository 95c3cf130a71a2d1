package process

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"phonon/internal/heartbeat"
	"phonon/internal/logging"
	"phonon/internal/quorum"
	"phonon/internal/reference"
)

var (
	// ErrStopped is returned for calls made after Stop.
	ErrStopped = errors.New("process: stopped")
	// ErrNotOwned is returned for a resource this process holds no
	// reference to.
	ErrNotOwned = errors.New("process: reference not owned")
)

// FlushFunc receives the payloads of a reference this process was the last
// holder of. It must merge and persist them before returning.
type FlushFunc func(ctx context.Context, resource string, payloads [][]byte) error

// Options configures a Process.
type Options struct {
	Namespace     string
	RecordTTL     time.Duration
	SessionTTL    time.Duration
	Attempts      int
	RetryInterval time.Duration
	// HeartbeatInterval enables heartbeats and recovery of dead processes'
	// references when positive.
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// Process is one worker. It owns the set of resources it has registered
// for; the reference state itself lives only on the node fleet.
type Process struct {
	id     string
	client reference.Client
	locker reference.Locker
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	refs    map[string]*reference.Reference
	stopped bool

	// registering counts CreateReference calls past the stopped check.
	registering sync.WaitGroup

	registryMu sync.Mutex
	monitor    *heartbeat.Monitor
}

// New creates a process with a fresh id. With heartbeats enabled the first
// beat is written before New returns.
func New(ctx context.Context, client reference.Client, locker reference.Locker, opts Options) (*Process, error) {
	id := uuid.NewString()
	p := &Process{
		id:     id,
		client: client,
		locker: locker,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("process").With(zap.String("process", id)),
		refs:   make(map[string]*reference.Reference),
	}

	if opts.HeartbeatInterval > 0 {
		p.monitor = heartbeat.NewMonitor(id, client, locker, heartbeat.Options{
			Namespace: opts.Namespace,
			Interval:  opts.HeartbeatInterval,
			OnDead:    p.recover,
			Logger:    opts.Logger,
		})
		if err := p.monitor.Start(ctx); err != nil {
			return nil, fmt.Errorf("process: start heartbeat: %w", err)
		}
	}

	p.logger.Info("process started", zap.Bool("heartbeat", p.monitor != nil))
	return p, nil
}

// ID returns the process id.
func (p *Process) ID() string { return p.id }

func (p *Process) newReference(resource string) *reference.Reference {
	return reference.New(resource, p.client, p.locker, reference.Options{
		Namespace:     p.opts.Namespace,
		RecordTTL:     p.opts.RecordTTL,
		SessionTTL:    p.opts.SessionTTL,
		Attempts:      p.opts.Attempts,
		RetryInterval: p.opts.RetryInterval,
		Logger:        p.opts.Logger,
	})
}

// CreateReference registers this process as a holder of resource. Calling it
// again for an owned resource returns the existing reference.
func (p *Process) CreateReference(ctx context.Context, resource string) (*reference.Reference, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrStopped
	}
	if ref, ok := p.refs[resource]; ok {
		p.mu.Unlock()
		return ref, nil
	}
	p.registering.Add(1)
	p.mu.Unlock()
	defer p.registering.Done()

	ref := p.newReference(resource)
	if err := ref.Register(ctx, p.id); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.refs[resource]; ok {
		p.mu.Unlock()
		return existing, nil
	}
	p.refs[resource] = ref
	p.mu.Unlock()

	p.syncRegistry(ctx)
	return ref, nil
}

// Reference returns the owned reference for resource.
func (p *Process) Reference(resource string) (*reference.Reference, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.refs[resource]
	return ref, ok
}

// Owns reports whether this process holds a reference to resource.
func (p *Process) Owns(resource string) bool {
	_, ok := p.Reference(resource)
	return ok
}

// Resources returns the owned resources, sorted.
func (p *Process) Resources() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resourcesLocked()
}

func (p *Process) resourcesLocked() []string {
	out := make([]string, 0, len(p.refs))
	for r := range p.refs {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// CachePayload leaves payload on an owned reference.
func (p *Process) CachePayload(ctx context.Context, resource string, payload []byte) error {
	ref, ok := p.Reference(resource)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOwned, resource)
	}
	return ref.CachePayload(ctx, payload)
}

// Dereference gives up this process's hold on resource.
func (p *Process) Dereference(ctx context.Context, resource string) (reference.Result, error) {
	return p.EndSession(ctx, resource, nil)
}

// EndSession gives up this process's hold on resource, leaving payload behind
// if other holders remain. See reference.Reference.EndSession. On failure the
// process keeps the reference so a later call or Stop can retry.
func (p *Process) EndSession(ctx context.Context, resource string, payload []byte) (reference.Result, error) {
	ref, ok := p.Reference(resource)
	if !ok {
		return reference.Result{}, fmt.Errorf("%w: %s", ErrNotOwned, resource)
	}

	res, err := ref.EndSession(ctx, p.id, payload)
	if err != nil {
		return reference.Result{}, err
	}

	p.mu.Lock()
	delete(p.refs, resource)
	p.mu.Unlock()

	p.syncRegistry(ctx)
	return res, nil
}

// Stop dereferences every owned reference exactly once and stops the
// heartbeat. Payloads of references this process was the last holder of are
// handed to flush. Later calls are no-ops; references that failed to
// dereference are left to session expiry or recovery by other processes.
func (p *Process) Stop(ctx context.Context, flush FlushFunc) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	if p.monitor != nil {
		p.monitor.Stop()
	}
	// Registrations already under way become owned and are dereferenced
	// below with the rest.
	p.registering.Wait()
	resources := p.Resources()

	var errs error
	for _, resource := range resources {
		res, err := p.Dereference(ctx, resource)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("dereference %s: %w", resource, err))
			continue
		}
		if res.Last() && len(res.Payloads) > 0 && flush != nil {
			if err := flush(ctx, resource, res.Payloads); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("flush %s: %w", resource, err))
			}
		}
	}

	if p.monitor != nil && errs == nil {
		errs = multierr.Append(errs, p.monitor.Forget(ctx, p.id))
		errs = multierr.Append(errs, p.client.Commit(ctx, quorum.Delete(registryKey(p.opts.Namespace, p.id))))
	}

	p.logger.Info("process stopped", zap.Int("references", len(resources)), zap.Error(errs))
	return errs
}

// recover adopts the references of a dead process: this process registers
// for each of them and removes the dead one, so cached payloads stay with a
// live holder.
func (p *Process) recover(ctx context.Context, deadID string) error {
	if deadID == p.id {
		return nil
	}

	err := p.locker.WithLock(ctx, registryLockKey(p.opts.Namespace, deadID), func(ctx context.Context) error {
		resources, err := p.readRegistry(ctx, deadID)
		if err != nil {
			return err
		}

		for _, resource := range resources {
			ref, err := p.CreateReference(ctx, resource)
			if err != nil {
				return fmt.Errorf("adopt %s: %w", resource, err)
			}
			if _, err := ref.Dereference(ctx, deadID); err != nil {
				return fmt.Errorf("remove %s from %s: %w", deadID, resource, err)
			}
		}
		p.logger.Info("recovered references of dead process",
			zap.String("dead", deadID), zap.Strings("resources", resources))
		return p.client.Commit(ctx, quorum.Delete(registryKey(p.opts.Namespace, deadID)))
	})
	if err != nil {
		return err
	}
	return p.monitor.Forget(ctx, deadID)
}

func registryKey(ns, pid string) string {
	if ns == "" {
		ns = reference.DefaultNamespace
	}
	return ns + ":{proc:" + pid + "}:registry"
}

func registryLockKey(ns, pid string) string {
	if ns == "" {
		ns = reference.DefaultNamespace
	}
	return ns + ":{proc:" + pid + "}:lock"
}

// syncRegistry publishes the owned resources. Only this process writes its
// registry while it is alive, so no lock is taken. Failures are logged; the
// registry only matters for recovery.
func (p *Process) syncRegistry(ctx context.Context) {
	if p.monitor == nil {
		return
	}

	p.registryMu.Lock()
	defer p.registryMu.Unlock()

	data, err := msgpack.Marshal(p.Resources())
	if err == nil {
		err = p.client.Commit(ctx, quorum.Set(registryKey(p.opts.Namespace, p.id), data, 0))
	}
	if err != nil {
		p.logger.Warn("registry update failed", zap.Error(err))
	}
}

func (p *Process) readRegistry(ctx context.Context, pid string) ([]string, error) {
	data, found, err := p.client.Get(ctx, registryKey(p.opts.Namespace, pid))
	if err != nil || !found {
		return nil, err
	}
	var resources []string
	if err := msgpack.Unmarshal(data, &resources); err != nil {
		return nil, fmt.Errorf("process: decode registry of %s: %w", pid, err)
	}
	return resources, nil
}
