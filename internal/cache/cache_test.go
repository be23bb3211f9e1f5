package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csv-insight/backend/internal/cache/redis"
)

func TestKeyIsCanonical(t *testing.T) {
	a := Key("compute_metrics", map[string]string{"bucket": "month", "min": "5"}, "fp")
	b := Key("compute_metrics", map[string]string{"min": "5", "bucket": "month"}, "fp")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, Key("compute_metrics", map[string]string{"bucket": "week", "min": "5"}, "fp"))
	assert.NotEqual(t, a, Key("compute_metrics", map[string]string{"bucket": "month", "min": "5"}, "fp2"))
	assert.NotEqual(t, a, Key("embed", map[string]string{"bucket": "month", "min": "5"}, "fp"))

	// field boundaries cannot be shifted between components
	assert.NotEqual(t,
		Key("ab", map[string]string{"c": "d"}, ""),
		Key("a", map[string]string{"bc": "d"}, ""))
}

func TestLRUCopyOnReadAndWrite(t *testing.T) {
	c := NewLRU(1024, 0)
	ctx := context.Background()

	value := []byte("hello")
	require.NoError(t, c.Put(ctx, "k", value))
	value[0] = 'j'

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(got))

	got[0] = 'y'
	again, _, _ := c.Get(ctx, "k")
	assert.Equal(t, "hello", string(again))
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU(10, 0)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "a", []byte("aaaa")))
	require.NoError(t, c.Put(ctx, "b", []byte("bbbb")))
	held, ok, _ := c.Get(ctx, "a")
	require.True(t, ok)

	require.NoError(t, c.Put(ctx, "c", []byte("cccc")))

	_, ok, _ = c.Get(ctx, "b")
	assert.False(t, ok, "b was least recently used")
	_, ok, _ = c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok, _ = c.Get(ctx, "c")
	assert.True(t, ok)

	// eviction never touches values already handed out
	assert.Equal(t, "aaaa", string(held))

	st := c.Stats()
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, int64(8), st.Bytes)
	assert.Equal(t, uint64(1), st.Evictions)
}

func TestLRULastWriterWins(t *testing.T) {
	c := NewLRU(100, 0)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("first")))
	require.NoError(t, c.Put(ctx, "k", []byte("second!")))

	got, _, _ := c.Get(ctx, "k")
	assert.Equal(t, "second!", string(got))
	assert.Equal(t, int64(7), c.Stats().Bytes)
}

func TestLRUOversizedValueNotStored(t *testing.T) {
	c := NewLRU(4, 0)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("too large")))
	_, ok, _ := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestLRUExpiresByAge(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewLRU(100, time.Hour, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("v")))
	now = now.Add(59 * time.Minute)
	_, ok, _ := c.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "a", []byte("v")))
	require.NoError(t, c.Put(ctx, "b", []byte("v")))
	now = now.Add(2 * time.Hour)
	assert.Equal(t, 2, c.Purge())
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestLRUStatsHitRate(t *testing.T) {
	c := NewLRU(100, 0)
	ctx := context.Background()

	_, _, _ = c.Get(ctx, "k")
	require.NoError(t, c.Put(ctx, "k", []byte("v")))
	_, _, _ = c.Get(ctx, "k")
	_, _, _ = c.Get(ctx, "k")
	_, _, _ = c.Get(ctx, "k")

	st := c.Stats()
	assert.Equal(t, uint64(3), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.InDelta(t, 0.75, st.HitRate, 1e-9)
}

func TestMemoComputesOnce(t *testing.T) {
	m := NewMemo(NewLRU(1024, 0), nil)
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("result"), nil
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := m.Do(ctx, "key", compute)
			assert.NoError(t, err)
			results[i] = string(v)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "result", r)
	}

	v, hit, err := m.Do(ctx, "key", compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "result", string(v))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMemoDoesNotCacheErrors(t *testing.T) {
	m := NewMemo(NewLRU(1024, 0), nil)
	ctx := context.Background()
	boom := errors.New("boom")

	_, _, err := m.Do(ctx, "key", func(ctx context.Context) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	v, hit, err := m.Do(ctx, "key", func(ctx context.Context) ([]byte, error) { return []byte("ok"), nil })
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "ok", string(v))
}

func TestMemoLeaderCancellationDoesNotFailFollowers(t *testing.T) {
	m := NewMemo(NewLRU(1024, 0), nil)

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return []byte("metrics"), nil
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := m.Do(leaderCtx, "key", compute)
		leaderErr <- err
	}()
	<-started

	type result struct {
		v   []byte
		hit bool
		err error
	}
	follower := make(chan result, 1)
	go func() {
		v, hit, err := m.Do(context.Background(), "key", compute)
		follower <- result{v, hit, err}
	}()

	cancelLeader()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	close(release)

	res := <-follower
	require.NoError(t, res.err)
	assert.Equal(t, "metrics", string(res.v))
	assert.True(t, res.hit)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// Answers must not depend on whether the cache is enabled: a zero-capacity
// cache behaves like no cache at all.
func TestMemoTransparency(t *testing.T) {
	ctx := context.Background()
	compute := func(ctx context.Context) ([]byte, error) { return []byte("value"), nil }

	disabled := NewMemo(NewLRU(1, 0), nil)
	enabled := NewMemo(NewLRU(1024, 0), nil)

	for i := 0; i < 3; i++ {
		a, _, err := disabled.Do(ctx, "k", compute)
		require.NoError(t, err)
		b, _, err := enabled.Do(ctx, "k", compute)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestTieredBackfillsFromL2(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l2 := redis.NewFromClient(rdb, "t:", time.Hour)
	ctx := context.Background()

	first := NewTiered(NewLRU(1024, 0), l2, nil)
	require.NoError(t, first.Put(ctx, "k", []byte("shared")))

	// a second process with a cold L1 finds the value in L2
	l1 := NewLRU(1024, 0)
	second := NewTiered(l1, l2, nil)
	v, ok, err := second.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "shared", string(v))

	_, ok, _ = l1.Get(ctx, "k")
	assert.True(t, ok, "L2 hit back-fills L1")
}

func TestTieredTreatsL2FailureAsMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	tiered := NewTiered(NewLRU(1024, 0), redis.NewFromClient(rdb, "t:", time.Hour), nil)
	mr.Close()

	ctx := context.Background()
	_, ok, err := tiered.Get(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tiered.Put(ctx, "k", []byte("v")))
	v, ok, err := tiered.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(v))
}
