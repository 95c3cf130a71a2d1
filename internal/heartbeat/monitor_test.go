package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"phonon/internal/lock"
	"phonon/internal/node"
	"phonon/internal/quorum"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newShared(t *testing.T) (*quorum.Client, *lock.Locker) {
	t.Helper()
	var nodes []node.Node
	for i := 1; i <= 3; i++ {
		nodes = append(nodes, node.NewLocal(fmt.Sprintf("n%d", i), nil))
	}
	c, err := quorum.New(nodes, quorum.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, lock.NewLocker(c, lock.Options{TTL: 5 * time.Second})
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		s    Status
		want string
	}{
		{Alive, "ALIVE"},
		{Suspect, "SUSPECT"},
		{Dead, "DEAD"},
		{Status(9), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %s, want %s", tt.s, got, tt.want)
		}
	}
}

func TestMonitor_Classification(t *testing.T) {
	ctx := context.Background()
	c, l := newShared(t)
	clk := &clock{now: time.Now()}

	var dead []string
	a := NewMonitor("a", c, l, Options{
		Interval: time.Second,
		OnDead:   func(_ context.Context, pid string) error {
			dead = append(dead, pid)
			return nil
		},
	})
	b := NewMonitor("b", c, l, Options{Interval: time.Second})
	a.now, b.now = clk.Now, clk.Now

	require.NoError(t, a.Beat(ctx))
	require.NoError(t, b.Beat(ctx))

	steps := []struct {
		advance time.Duration
		want    Status
	}{
		{0, Alive},
		{1500 * time.Millisecond, Alive},
		{time.Second, Suspect},
		{3 * time.Second, Dead},
		{time.Second, Dead},
	}
	for _, step := range steps {
		clk.Advance(step.advance)
		require.NoError(t, a.Check(ctx))

		members := a.Members()
		require.Len(t, members, 1)
		require.Equal(t, "b", members[0].ID)
		require.Equal(t, step.want, members[0].Status)
	}
	require.Equal(t, []string{"b"}, dead, "OnDead must fire exactly once")
	require.Equal(t, 1, a.AliveCount())

	// b comes back and can be reported again later.
	require.NoError(t, b.Beat(ctx))
	require.NoError(t, a.Check(ctx))
	require.Equal(t, Alive, a.Members()[0].Status)
	require.Equal(t, 2, a.AliveCount())

	clk.Advance(5 * time.Second)
	require.NoError(t, a.Check(ctx))
	require.Equal(t, []string{"b", "b"}, dead)
}

func TestMonitor_Forget(t *testing.T) {
	ctx := context.Background()
	c, l := newShared(t)
	a := NewMonitor("a", c, l, Options{})
	b := NewMonitor("b", c, l, Options{})

	require.NoError(t, a.Beat(ctx))
	require.NoError(t, b.Beat(ctx))
	require.NoError(t, a.Check(ctx))
	require.Len(t, a.Members(), 1)

	require.NoError(t, a.Forget(ctx, "b"))
	require.Empty(t, a.Members())

	require.NoError(t, b.Check(ctx))
	require.Len(t, b.Members(), 1)
	require.NoError(t, a.Check(ctx))
	require.Empty(t, a.Members())
}

func TestMonitor_StartStop(t *testing.T) {
	ctx := context.Background()
	c, l := newShared(t)

	found := make(chan string, 1)
	a := NewMonitor("a", c, l, Options{
		Interval: 20 * time.Millisecond,
		OnDead:   func(_ context.Context, pid string) error {
			select {
			case found <- pid:
			default:
			}
			return nil
		},
	})

	// A process that beat once and went silent.
	ghost := NewMonitor("ghost", c, l, Options{Interval: 20 * time.Millisecond})
	require.NoError(t, ghost.Beat(ctx))

	require.NoError(t, a.Start(ctx))
	defer a.Stop()

	select {
	case pid := <-found:
		require.Equal(t, "ghost", pid)
	case <-time.After(2 * time.Second):
		t.Fatal("dead process was never reported")
	}
}

func TestMonitor_FailedHandlerIsRetried(t *testing.T) {
	ctx := context.Background()
	c, l := newShared(t)
	clk := &clock{now: time.Now()}

	calls := 0
	a := NewMonitor("a", c, l, Options{
		Interval: time.Second,
		OnDead:   func(context.Context, string) error {
			calls++
			if calls == 1 {
				return errors.New("registry locked")
			}
			return nil
		},
	})
	b := NewMonitor("b", c, l, Options{Interval: time.Second})
	a.now, b.now = clk.Now, clk.Now

	require.NoError(t, b.Beat(ctx))
	clk.Advance(6 * time.Second)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Check(ctx))
	}
	require.Equal(t, 2, calls)
}
