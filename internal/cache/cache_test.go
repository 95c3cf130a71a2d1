package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"phonon/internal/lock"
	"phonon/internal/node"
	"phonon/internal/process"
	"phonon/internal/quorum"
	"phonon/internal/reference"
	"phonon/internal/update"
)

type views struct {
	update.Base
	executions *[]map[string]int64
	fail       error
}

func newViews(id string, page string, n int64) *views {
	return &views{Base: update.NewBase(id, nil, map[string]any{page: n})}
}

func (v *views) Merge(other update.Update) {
	for page, x := range other.Doc() {
		n, _ := update.Int64(x)
		cur, _ := update.Int64(v.Doc()[page])
		v.Doc()[page] = cur + n
	}
}

func (v *views) Execute(context.Context) error {
	if v.fail != nil {
		return v.fail
	}
	if v.executions != nil {
		*v.executions = append(*v.executions, v.counts())
	}
	return nil
}

func (v *views) counts() map[string]int64 {
	out := make(map[string]int64)
	for k, x := range v.Doc() {
		n, _ := update.Int64(x)
		out[k] = n
	}
	return out
}

func viewsCodec() *update.Codec {
	return update.NewCodec(func(env update.Envelope) (update.Update, error) {
		return &views{Base: update.NewBase(env.ID, env.Spec, env.Doc)}, nil
	})
}

type fakeSessions struct {
	mu      sync.Mutex
	created []string
	cached  map[string][][]byte
	ended   []string
	left    [][]byte

	result    reference.Result
	createErr error
	endErr    error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{cached: make(map[string][][]byte), result: reference.Result{Remaining: 1}}
}

func (f *fakeSessions) CreateReference(_ context.Context, resource string) (*reference.Reference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, resource)
	return nil, nil
}

func (f *fakeSessions) CachePayload(_ context.Context, resource string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached[resource] = append(f.cached[resource], payload)
	return nil
}

func (f *fakeSessions) EndSession(_ context.Context, resource string, payload []byte) (reference.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, resource)
	if f.endErr != nil {
		return reference.Result{}, f.endErr
	}
	f.left = append(f.left, payload)
	return f.result, nil
}

func newCache(t *testing.T, capacity int, s Sessions, opts Options) *Cache {
	t.Helper()
	c, err := New(capacity, s, viewsCodec(), opts)
	require.NoError(t, err)
	return c
}

func TestNew_RejectsZeroCapacity(t *testing.T) {
	_, err := New(0, newFakeSessions(), viewsCodec(), Options{})
	require.Error(t, err)
}

func TestSet_MergeNeverEndsSession(t *testing.T) {
	ctx := context.Background()
	s := newFakeSessions()
	c := newCache(t, 2, s, Options{})

	added, err := c.Set(ctx, "a", newViews("a", "/home", 1))
	require.NoError(t, err)
	require.True(t, added)
	_, err = c.Set(ctx, "b", newViews("b", "/home", 1))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		added, err := c.Set(ctx, "a", newViews("a", "/home", 1))
		require.NoError(t, err)
		require.False(t, added)
	}

	require.Empty(t, s.ended)
	require.Equal(t, []string{"a", "b"}, s.created)
	require.Equal(t, 2, c.Len())

	u, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, map[string]int64{"/home": 11}, u.(*views).counts())
}

func TestSet_EvictsExactlyOncePerKey(t *testing.T) {
	ctx := context.Background()
	s := newFakeSessions()
	c := newCache(t, 2, s, Options{})

	var want []string
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%d", i)
		_, err := c.Set(ctx, key, newViews(key, "/p", 1))
		require.NoError(t, err)
		if i >= 2 {
			want = append(want, fmt.Sprintf("k%d", i-2))
		}
		// Merges in between must not evict.
		_, err = c.Set(ctx, key, newViews(key, "/p", 1))
		require.NoError(t, err)
	}

	require.Equal(t, want, s.ended)
	require.Equal(t, []string{"k8", "k9"}, c.Keys())
	require.Len(t, s.created, 10)
}

func TestSet_MergeRefreshesOrder(t *testing.T) {
	ctx := context.Background()
	s := newFakeSessions()
	c := newCache(t, 2, s, Options{})

	for _, key := range []string{"a", "b", "a", "c"} {
		_, err := c.Set(ctx, key, newViews(key, "/p", 1))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"b"}, s.ended)
	require.Equal(t, []string{"a", "c"}, c.Keys())
}

func TestGet_HasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	s := newFakeSessions()
	c := newCache(t, 2, s, Options{})

	for _, key := range []string{"a", "b"} {
		_, err := c.Set(ctx, key, newViews(key, "/p", 1))
		require.NoError(t, err)
	}
	_, ok := c.Get("a")
	require.True(t, ok)
	require.True(t, c.Contains("a"))
	_, ok = c.Get("zzz")
	require.False(t, ok)

	_, err := c.Set(ctx, "c", newViews("c", "/p", 1))
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, s.ended)
}

func TestSet_RegistrationFailure(t *testing.T) {
	s := newFakeSessions()
	s.createErr = reference.ErrRegistrationFailed
	c := newCache(t, 2, s, Options{})

	_, err := c.Set(context.Background(), "a", newViews("a", "/p", 1))
	require.ErrorIs(t, err, reference.ErrRegistrationFailed)
	require.Zero(t, c.Len())
}

func TestExpire(t *testing.T) {
	ctx := context.Background()
	s := newFakeSessions()
	c := newCache(t, 4, s, Options{})

	require.ErrorIs(t, c.Expire(ctx, "a"), ErrNotCached)

	_, err := c.Set(ctx, "a", newViews("a", "/p", 2))
	require.NoError(t, err)
	require.NoError(t, c.Expire(ctx, "a"))
	require.Equal(t, []string{"a"}, s.ended)
	require.False(t, c.Contains("a"))

	left, err := viewsCodec().Decode(s.left[0])
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"/p": 2}, left.(*views).counts())
}

func TestEndSession_LastHolderMergesAndExecutes(t *testing.T) {
	ctx := context.Background()
	codec := viewsCodec()
	cached, err := codec.Encode(newViews("U1", "/a", 5))
	require.NoError(t, err)

	s := newFakeSessions()
	s.result = reference.Result{Remaining: 0, Payloads: [][]byte{cached}}
	c := newCache(t, 4, s, Options{})

	var executions []map[string]int64
	u := newViews("U1", "/a", 1)
	u.executions = &executions
	_, err = c.Set(ctx, "U1", u)
	require.NoError(t, err)

	require.NoError(t, c.ExpireAll(ctx))
	require.Equal(t, []map[string]int64{{"/a": 6}}, executions)
	require.Nil(t, c.LastFailed())
}

func TestEndSession_NotLastDoesNotExecute(t *testing.T) {
	ctx := context.Background()
	s := newFakeSessions()
	c := newCache(t, 4, s, Options{})

	var executions []map[string]int64
	u := newViews("U1", "/a", 1)
	u.executions = &executions
	_, err := c.Set(ctx, "U1", u)
	require.NoError(t, err)

	require.NoError(t, c.ExpireAll(ctx))
	require.Empty(t, executions)
	require.Len(t, s.left, 1)
}

func TestEndSession_PersistFailure(t *testing.T) {
	ctx := context.Background()
	s := newFakeSessions()
	s.result = reference.Result{}
	c := newCache(t, 4, s, Options{})

	boom := errors.New("db down")
	u := newViews("U1", "/a", 1)
	u.fail = boom
	_, err := c.Set(ctx, "U1", u)
	require.NoError(t, err)

	err = c.ExpireAll(ctx)
	require.ErrorIs(t, err, update.ErrPersist)
	require.ErrorIs(t, err, boom)
	require.Same(t, u, c.LastFailed())
	require.Zero(t, c.Len())
}

func TestExpireAll_StopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	s := newFakeSessions()
	c := newCache(t, 4, s, Options{})
	for _, key := range []string{"a", "b", "c"} {
		_, err := c.Set(ctx, key, newViews(key, "/p", 1))
		require.NoError(t, err)
	}

	s.endErr = errors.New("fleet down")
	require.ErrorIs(t, c.ExpireAll(ctx), s.endErr)
	require.Equal(t, []string{"a"}, s.ended)
	require.Equal(t, []string{"b", "c"}, c.Keys())
	require.Equal(t, "a", c.LastFailed().ID())

	s.endErr = nil
	require.NoError(t, c.ExpireAll(ctx))
	require.Equal(t, []string{"a", "b", "c"}, s.ended)
	require.Zero(t, c.Len())
}

func TestExpireAll_EveryFailedUpdateIsRecoverable(t *testing.T) {
	ctx := context.Background()
	s := newFakeSessions()
	s.result = reference.Result{}
	c := newCache(t, 4, s, Options{})

	boom := errors.New("db down")
	a := newViews("a", "/p", 1)
	a.fail = boom
	b := newViews("b", "/p", 2)
	b.fail = boom
	for _, u := range []*views{a, b} {
		_, err := c.Set(ctx, u.ID(), u)
		require.NoError(t, err)
	}

	err := c.ExpireAll(ctx)
	require.ErrorIs(t, err, update.ErrPersist)
	require.Same(t, a, c.LastFailed())
	got, ok := c.Get("b")
	require.True(t, ok)
	require.Same(t, b, got)

	err = c.ExpireAll(ctx)
	require.ErrorIs(t, err, update.ErrPersist)
	require.Same(t, b, c.LastFailed())
	require.Zero(t, c.Len())
}

func TestInitCache_LeavesPayloadAndClears(t *testing.T) {
	ctx := context.Background()
	s := newFakeSessions()
	c := newCache(t, 4, s, Options{InitCache: true})

	u := newViews("U1", "/a", 3)
	_, err := c.Set(ctx, "U1", u)
	require.NoError(t, err)

	require.Len(t, s.cached["U1"], 1)
	require.Empty(t, u.Doc())

	cached, err := viewsCodec().Decode(s.cached["U1"][0])
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"/a": 3}, cached.(*views).counts())
}

func newFleet(t *testing.T) (*quorum.Client, *lock.Locker) {
	t.Helper()
	var nodes []node.Node
	for i := 1; i <= 3; i++ {
		nodes = append(nodes, node.NewLocal(fmt.Sprintf("n%d", i), nil))
	}
	client, err := quorum.New(nodes, quorum.Options{Timeout: 500 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, lock.NewLocker(client, lock.Options{})
}

func TestTwoWorkers_LastOneExecutesOnce(t *testing.T) {
	ctx := context.Background()
	client, locker := newFleet(t)

	var executions []map[string]int64
	codec := update.NewCodec(func(env update.Envelope) (update.Update, error) {
		return &views{Base: update.NewBase(env.ID, env.Spec, env.Doc), executions: &executions}, nil
	})

	worker := func() (*process.Process, *Cache) {
		p, err := process.New(ctx, client, locker, process.Options{})
		require.NoError(t, err)
		c, err := New(8, p, codec, Options{})
		require.NoError(t, err)
		return p, c
	}
	p1, c1 := worker()
	p2, c2 := worker()

	_, err := c1.Set(ctx, "U42", newViews("U42", "/home", 1))
	require.NoError(t, err)
	local := newViews("U42", "/home", 2)
	local.executions = &executions
	_, err = c2.Set(ctx, "U42", local)
	require.NoError(t, err)
	_, err = c2.Set(ctx, "U42", newViews("U42", "/about", 1))
	require.NoError(t, err)

	ref := reference.New("U42", client, locker, reference.Options{})
	n, err := ref.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, c1.ExpireAll(ctx))
	require.Empty(t, executions)
	cc, err := ref.CacheCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, cc)

	require.NoError(t, c2.ExpireAll(ctx))
	require.Equal(t, []map[string]int64{{"/home": 3, "/about": 1}}, executions)

	_, found, err := client.Get(ctx, ref.Keys().RecordKey())
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, p1.Stop(ctx, codec.Flush))
	require.NoError(t, p2.Stop(ctx, codec.Flush))
	require.Len(t, executions, 1)
}
