package node

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"phonon/internal/storage"
)

// runConformance exercises the cache-node protocol against n.
func runConformance(t *testing.T, n Node) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("get missing", func(t *testing.T) {
		_, err := n.Get(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, n.Set(ctx, "k1", []byte("v1"), 0))
		got, err := n.Get(ctx, "k1")
		require.NoError(t, err)
		require.Equal(t, []byte("v1"), got)
	})

	t.Run("binary values survive", func(t *testing.T) {
		value := []byte{0x00, 0xff, 0x80, 'x'}
		require.NoError(t, n.Set(ctx, "bin", value, time.Minute))
		got, err := n.Get(ctx, "bin")
		require.NoError(t, err)
		require.Equal(t, value, got)
	})

	t.Run("setnx", func(t *testing.T) {
		ok, err := n.SetNX(ctx, "lock", []byte("a"), time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = n.SetNX(ctx, "lock", []byte("b"), time.Minute)
		require.NoError(t, err)
		require.False(t, ok)

		got, err := n.Get(ctx, "lock")
		require.NoError(t, err)
		require.Equal(t, []byte("a"), got)
	})

	t.Run("compare and delete", func(t *testing.T) {
		ok, err := n.CompareAndDelete(ctx, "lock", []byte("b"))
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = n.CompareAndDelete(ctx, "lock", []byte("a"))
		require.NoError(t, err)
		require.True(t, ok)

		_, err = n.Get(ctx, "lock")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, n.Delete(ctx, "k1"))
		_, err := n.Get(ctx, "k1")
		require.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, n.Delete(ctx, "k1"))
	})
}

func TestLocal_Conformance(t *testing.T) {
	runConformance(t, NewLocal("local", nil))
}

func TestRedis_Conformance(t *testing.T) {
	s := miniredis.RunT(t)
	n := NewRedis("redis", s.Addr(), RedisOptions{})
	defer n.Close()

	runConformance(t, n)
}

func TestRedis_TTL(t *testing.T) {
	s := miniredis.RunT(t)
	n := NewRedis("redis", "redis://"+s.Addr(), RedisOptions{})
	defer n.Close()

	ctx := context.Background()
	require.NoError(t, n.Set(ctx, "k", []byte("v"), 2*time.Second))
	require.True(t, s.Exists("k"))

	s.FastForward(3 * time.Second)

	_, err := n.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedis_SubMillisecondTTL(t *testing.T) {
	s := miniredis.RunT(t)
	n := NewRedis("redis", "redis://"+s.Addr(), RedisOptions{})
	defer n.Close()

	ctx := context.Background()
	require.NoError(t, n.Set(ctx, "k", []byte("v"), 300*time.Microsecond))
	ok, err := n.SetNX(ctx, "nx", []byte("v"), 300*time.Microsecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Millisecond, s.TTL("k"))
	require.Equal(t, time.Millisecond, s.TTL("nx"))

	s.FastForward(time.Millisecond)
	require.False(t, s.Exists("k"))
	require.False(t, s.Exists("nx"))
}

func TestTTLMillis(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int64
	}{
		{0, 0},
		{-time.Second, 0},
		{time.Nanosecond, 1},
		{999 * time.Microsecond, 1},
		{time.Millisecond, 1},
		{1500 * time.Microsecond, 2},
		{90 * time.Second, 90000},
	}
	for _, tt := range tests {
		if got := ttlMillis(tt.in); got != tt.want {
			t.Errorf("ttlMillis(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRedis_Unavailable(t *testing.T) {
	s := miniredis.RunT(t)
	n := NewRedis("redis", s.Addr(), RedisOptions{DialTimeout: 100 * time.Millisecond})
	defer n.Close()
	s.Close()

	_, err := n.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrUnavailable)
}

func startBufconnServer(t *testing.T, store storage.Store) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := NewServer("remote", "bufnet", store, nil)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRemote_Conformance(t *testing.T) {
	conn := startBufconnServer(t, nil)
	runConformance(t, NewRemote("remote", conn))
}

func TestRemote_TTLHonoredByServer(t *testing.T) {
	store := storage.NewInMemoryStore()
	conn := startBufconnServer(t, store)
	n := NewRemote("remote", conn)

	ctx := context.Background()
	require.NoError(t, n.Set(ctx, "k", []byte("v"), 90*time.Second))

	e := store.Get("k")
	require.NotNil(t, e)
	require.NotNil(t, e.ExpiresAt)
	ttl := e.TTL(time.Now())
	require.True(t, ttl > 80*time.Second && ttl <= 90*time.Second, "ttl=%v", ttl)
}

func TestRemote_SubMillisecondTTLStillExpires(t *testing.T) {
	store := storage.NewInMemoryStore()
	conn := startBufconnServer(t, store)
	n := NewRemote("remote", conn)

	require.NoError(t, n.Set(context.Background(), "k", []byte("v"), 300*time.Microsecond))

	e := store.Get("k")
	if e != nil {
		require.NotNil(t, e.ExpiresAt, "sub-millisecond ttl must not mean no expiry")
	}
	time.Sleep(5 * time.Millisecond)
	require.Nil(t, store.Get("k"))
}

func TestRemote_EmptyKeyRejected(t *testing.T) {
	conn := startBufconnServer(t, nil)
	n := NewRemote("remote", conn)

	err := n.Set(context.Background(), "", []byte("v"), 0)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrUnavailable))
}

func TestLocal_FaultInjection(t *testing.T) {
	ctx := context.Background()
	n := NewLocal("n1", nil)

	n.SetDown(true)
	require.ErrorIs(t, n.Set(ctx, "k", []byte("v"), 0), ErrUnavailable)
	n.SetDown(false)

	n.FailNext(2)
	require.ErrorIs(t, n.Set(ctx, "k", []byte("v"), 0), ErrUnavailable)
	require.ErrorIs(t, n.Set(ctx, "k", []byte("v"), 0), ErrUnavailable)
	require.NoError(t, n.Set(ctx, "k", []byte("v"), 0))
}

func TestLocal_LatencyAppliesBeforeAck(t *testing.T) {
	n := NewLocal("n1", nil)
	n.SetLatency(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ok, err := n.SetNX(ctx, "lock", []byte("t"), time.Minute)
	require.ErrorIs(t, err, ErrUnavailable)
	require.False(t, ok)

	// The write landed even though the caller never saw the ack.
	require.NotNil(t, n.Store().Get("lock"))
}

func TestClientManager_ReusesConnections(t *testing.T) {
	cm := NewClientManager()
	defer cm.Close()

	c1, err := cm.GetConn("127.0.0.1:1")
	require.NoError(t, err)
	c2, err := cm.GetConn("127.0.0.1:1")
	require.NoError(t, err)
	require.Same(t, c1, c2)

	n, err := cm.Node("n1", "127.0.0.1:1")
	require.NoError(t, err)
	require.Equal(t, "n1", n.ID())

	require.NoError(t, cm.Close())
}
