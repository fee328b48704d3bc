package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-core/internal/client"
	"auth-core/internal/model"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := client.NewRedisClientFromOptions(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	return NewStore(rc), mr
}

func TestGetSetDelete(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrKeyNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, time.Minute, mr.TTL("k"))

	mr.FastForward(time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, model.ErrKeyNotFound)

	require.NoError(t, s.Set(ctx, "a", []byte("1"), 0))
	n, err := s.Delete(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Delete(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSetNX(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "blk", []byte("1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "blk", []byte("1"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIncrSetsTTLOnlyOnCreate(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	n, err := s.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, time.Minute, mr.TTL("c"))

	mr.FastForward(20 * time.Second)
	n, err = s.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 40*time.Second, mr.TTL("c"))

	n, err = s.Incr(ctx, "noexp", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, time.Duration(0), mr.TTL("noexp"))
}

func TestKeysByPrefix(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "otp:+15550001:login", []byte("x"), time.Minute))
	require.NoError(t, s.Set(ctx, "otp:+15550001:reset", []byte("x"), time.Minute))
	require.NoError(t, s.Set(ctx, "otp:+15550002:login", []byte("x"), time.Minute))

	keys, err := s.Keys(ctx, "otp:+15550001:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"otp:+15550001:login", "otp:+15550001:reset"}, keys)
}

func TestSetOperations(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetAdd(ctx, "otp_idx:+15550001", time.Minute, "reset", "login"))
	members, err := s.SetMembers(ctx, "otp_idx:+15550001")
	require.NoError(t, err)
	assert.Equal(t, []string{"login", "reset"}, members)
	assert.Equal(t, time.Minute, mr.TTL("otp_idx:+15550001"))

	require.NoError(t, s.SetRemove(ctx, "otp_idx:+15550001", "login", "reset"))
	assert.False(t, mr.Exists("otp_idx:+15550001"))

	members, err = s.SetMembers(ctx, "otp_idx:+15550001")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestSlidingWindowScript(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_750_000_000_000)

	rec := func(at time.Time) *model.WindowState {
		st, err := s.SlidingWindow(ctx, model.WindowRequest{Key: "rl:login:u1", Limit: 2, Window: time.Minute, Now: at, Record: true})
		require.NoError(t, err)
		return st
	}

	st := rec(base)
	assert.True(t, st.Allowed)
	assert.Equal(t, 1, st.Count)
	assert.True(t, st.Oldest.Equal(base))

	st = rec(base)
	assert.True(t, st.Allowed, "same millisecond entries are distinct")
	assert.Equal(t, 2, st.Count)

	st = rec(base.Add(time.Second))
	assert.False(t, st.Allowed)
	assert.Equal(t, 2, st.Count)

	members, err := mr.ZMembers("rl:login:u1")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	// entries at base are dead once now-W reaches base
	peek, err := s.SlidingWindow(ctx, model.WindowRequest{Key: "rl:login:u1", Limit: 2, Window: time.Minute, Now: base.Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, peek.Allowed)
	assert.Equal(t, 0, peek.Count)

	// the peek did not prune
	members, err = mr.ZMembers("rl:login:u1")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	st = rec(base.Add(time.Minute))
	assert.True(t, st.Allowed)
	assert.Equal(t, 1, st.Count)
}

func TestSlidingWindowPeekReportsOldest(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_750_000_000_000)

	for i := 0; i < 3; i++ {
		_, err := s.SlidingWindow(ctx, model.WindowRequest{Key: "w", Limit: 5, Window: time.Minute, Now: base.Add(time.Duration(i) * time.Second), Record: true})
		require.NoError(t, err)
	}
	peek, err := s.SlidingWindow(ctx, model.WindowRequest{Key: "w", Limit: 3, Window: time.Minute, Now: base.Add(2 * time.Second)})
	require.NoError(t, err)
	assert.False(t, peek.Allowed)
	assert.Equal(t, 3, peek.Count)
	assert.True(t, peek.Oldest.Equal(base))
}

func TestSlidingWindowConcurrentCallers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := s.SlidingWindow(ctx, model.WindowRequest{Key: "hot", Limit: 5, Window: time.Minute, Now: now, Record: true})
			if err == nil && st.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(5), allowed)
}

func TestPing(t *testing.T) {
	s, mr := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, "redis", s.Name())
	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}
