package heartbeat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"phonon/internal/logging"
	"phonon/internal/quorum"
)

// Status is the liveness of a process.
type Status int

const (
	Alive Status = iota
	Suspect
	Dead
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case Alive:
		return "ALIVE"
	case Suspect:
		return "SUSPECT"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

const (
	// DefaultInterval is the time between beats.
	DefaultInterval = 10 * time.Second
	// SuspectAfter and DeadAfter are multiples of the interval.
	SuspectAfter = 2
	DeadAfter    = 5
)

// Member is one process seen in the heartbeat table.
type Member struct {
	ID       string
	Status   Status
	LastSeen time.Time
}

// Client is the quorum surface the table is kept through.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Peek(ctx context.Context, key string) ([]byte, bool, error)
	Commit(ctx context.Context, ops ...quorum.Operation) error
}

// Locker serializes table updates.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Options configures a Monitor.
type Options struct {
	Namespace string
	Interval  time.Duration
	// OnDead is called once for each process newly found dead. It runs on the
	// monitor's goroutine. A process whose handler fails is reported again on
	// the next check.
	OnDead func(ctx context.Context, pid string) error
	Logger *zap.Logger
}

type table struct {
	Beats map[string]int64 `msgpack:"beats"`
}

// Monitor publishes this process's heartbeat and watches everyone else's.
type Monitor struct {
	mu       sync.RWMutex
	localID  string
	members  map[string]*Member
	reported map[string]bool

	client   Client
	locker   Locker
	key      string
	lockKey  string
	interval time.Duration
	onDead   func(ctx context.Context, pid string) error
	logger   *zap.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor for localID.
func NewMonitor(localID string, client Client, locker Locker, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	ns := opts.Namespace
	if ns == "" {
		ns = "phonon"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		localID:  localID,
		members:  make(map[string]*Member),
		reported: make(map[string]bool),
		client:   client,
		locker:   locker,
		key:      ns + ":{heartbeats}:table",
		lockKey:  ns + ":{heartbeats}:lock",
		interval: opts.Interval,
		onDead:   opts.OnDead,
		logger:   logging.OrNop(opts.Logger).Named("heartbeat").With(zap.String("process", localID)),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start beats once, then keeps beating and checking every interval until
// Stop.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.Beat(ctx); err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.tick()
			}
		}
	}()
	return nil
}

func (m *Monitor) tick() {
	ctx, cancel := context.WithTimeout(m.ctx, m.interval)
	defer cancel()

	if err := m.Beat(ctx); err != nil {
		m.logger.Warn("heartbeat failed", zap.Error(err))
	}
	if err := m.Check(ctx); err != nil {
		m.logger.Warn("heartbeat check failed", zap.Error(err))
	}
}

// Stop stops the loop. It does not remove this process from the table; use
// Forget for that.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Beat records this process as alive now.
func (m *Monitor) Beat(ctx context.Context) error {
	return m.update(ctx, func(t *table) {
		t.Beats[m.localID] = m.now().UnixMilli()
	})
}

// Forget removes pid from the table and from local state.
func (m *Monitor) Forget(ctx context.Context, pid string) error {
	if err := m.update(ctx, func(t *table) { delete(t.Beats, pid) }); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, pid)
	delete(m.reported, pid)
	return nil
}

// Check reads the table, reclassifies every other process and reports the
// newly dead ones.
func (m *Monitor) Check(ctx context.Context) error {
	t, err := m.read(ctx, m.client.Peek)
	if err != nil {
		return err
	}

	now := m.now()
	var dead []string

	m.mu.Lock()
	for pid := range m.members {
		if _, ok := t.Beats[pid]; !ok {
			delete(m.members, pid)
			delete(m.reported, pid)
		}
	}
	for pid, beat := range t.Beats {
		if pid == m.localID {
			continue
		}
		seen := time.UnixMilli(beat)
		status := m.classify(now.Sub(seen))

		member, ok := m.members[pid]
		if !ok {
			member = &Member{ID: pid}
			m.members[pid] = member
		}
		if member.Status != status {
			m.logger.Info("process status changed",
				zap.String("peer", pid), zap.Stringer("from", member.Status), zap.Stringer("to", status))
		}
		member.Status = status
		member.LastSeen = seen

		if status == Dead && !m.reported[pid] {
			m.reported[pid] = true
			dead = append(dead, pid)
		}
		if status != Dead {
			delete(m.reported, pid)
		}
	}
	m.mu.Unlock()

	if m.onDead == nil {
		return nil
	}
	sort.Strings(dead)
	for _, pid := range dead {
		if err := m.onDead(ctx, pid); err != nil {
			m.logger.Warn("dead process handler failed", zap.String("peer", pid), zap.Error(err))
			m.mu.Lock()
			delete(m.reported, pid)
			m.mu.Unlock()
		}
	}
	return nil
}

func (m *Monitor) classify(age time.Duration) Status {
	switch {
	case age >= DeadAfter*m.interval:
		return Dead
	case age >= SuspectAfter*m.interval:
		return Suspect
	default:
		return Alive
	}
}

// Members returns a snapshot of every other process, sorted by id.
func (m *Monitor) Members() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Member, 0, len(m.members))
	for _, member := range m.members {
		out = append(out, *member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AliveCount returns the number of processes, this one included, not
// suspected or dead.
func (m *Monitor) AliveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 1
	for _, member := range m.members {
		if member.Status == Alive {
			n++
		}
	}
	return n
}

func (m *Monitor) update(ctx context.Context, mutate func(t *table)) error {
	return m.locker.WithLock(ctx, m.lockKey, func(ctx context.Context) error {
		t, err := m.read(ctx, m.client.Get)
		if err != nil {
			return err
		}
		mutate(t)

		data, err := msgpack.Marshal(t)
		if err != nil {
			return fmt.Errorf("heartbeat: encode table: %w", err)
		}
		return m.client.Commit(ctx, quorum.Set(m.key, data, 0))
	})
}

func (m *Monitor) read(ctx context.Context, get func(context.Context, string) ([]byte, bool, error)) (*table, error) {
	data, found, err := get(ctx, m.key)
	if err != nil {
		return nil, err
	}
	t := &table{}
	if found {
		if err := msgpack.Unmarshal(data, t); err != nil {
			return nil, fmt.Errorf("heartbeat: decode table: %w", err)
		}
	}
	if t.Beats == nil {
		t.Beats = make(map[string]int64)
	}
	return t, nil
}
