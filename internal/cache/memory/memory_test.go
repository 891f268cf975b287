package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/service_kernel/internal/cache"
)

func startedCache(t *testing.T) *Cache {
	t.Helper()
	c := NewCache("c1")
	require.NoError(t, c.Configure([]byte(`{"type":"smc"}`)))
	require.NoError(t, c.Start(context.Background()))
	return c
}

func TestCacheRequiresStart(t *testing.T) {
	c := NewCache("c1")
	_, _, err := c.Get(context.Background(), cache.NewKey("k"))
	assert.ErrorIs(t, err, cache.ErrNotStarted)
	assert.Equal(t, TypeCache, c.Type())
}

func TestCachePutGetRemove(t *testing.T) {
	c := startedCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, cache.Int64Key(42), cache.NewValue(map[string]any{"name": "alice"})))
	v, ok, err := c.Get(ctx, cache.NewKey("42"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", v.Document()["name"])

	require.NoError(t, c.Remove(ctx, cache.NewKey("42")))
	_, ok, err = c.Get(ctx, cache.Int64Key(42))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCacheDataSurvivesRestart(t *testing.T) {
	c := startedCache(t)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, cache.NewKey("k"), cache.NewValue(nil)))
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, 1, c.Len())
}

func TestCacheConcurrentTransactions(t *testing.T) {
	c := startedCache(t)
	ctx := context.Background()

	incr := cache.TransactionFunc(func(tc cache.TransactionContext) error {
		v, ok, err := tc.Get()
		if err != nil {
			return err
		}
		n := 0.0
		if ok {
			n = v.Document()["n"].(float64)
		}
		return tc.Put(cache.NewValue(map[string]any{"n": n + 1}))
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		key := cache.Int64Key(int64(i))
		for j := 0; j < 50; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, c.Execute(ctx, key, incr))
			}()
		}
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		v, ok, err := c.Get(ctx, cache.Int64Key(int64(i)))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, float64(50), v.Document()["n"])
	}
}

func startedSeries(t *testing.T) *Series {
	t.Helper()
	s := NewSeries("messages")
	require.NoError(t, s.Configure([]byte(`{"type":"SMTS"}`)))
	require.NoError(t, s.Start(context.Background()))
	return s
}

func msg(text string, ts int64) cache.Value {
	return cache.NewValue(map[string]any{"text": text}).WithTimestamp(ts)
}

func TestSeriesOrderingAndRangeQuery(t *testing.T) {
	s := startedSeries(t)
	ctx := context.Background()
	key := cache.NewKey("contact-1")

	for _, v := range []cache.Value{msg("c", 300), msg("a", 100), msg("b", 200), msg("d", 400)} {
		_, err := s.Add(ctx, key, v)
		require.NoError(t, err)
	}

	got, err := s.Query(ctx, key, 150, 400)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{200, 300, 400}, []int64{got[0].Timestamp, got[1].Timestamp, got[2].Timestamp})

	got, err = s.Query(ctx, key, 100, 100)
	require.NoError(t, err)
	require.Len(t, got, 1, "range bounds are inclusive")
	assert.Equal(t, "a", got[0].Document()["text"])

	got, err = s.Query(ctx, key, 500, 100)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSeriesEqualTimestampsAreNotMerged(t *testing.T) {
	s := startedSeries(t)
	ctx := context.Background()
	key := cache.NewKey("k")

	_, _ = s.Add(ctx, key, msg("first", 100))
	_, _ = s.Add(ctx, key, msg("second", 100))
	_, _ = s.Add(ctx, key, msg("first", 100))

	got, err := s.Query(ctx, key, 0, 1000)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "first", got[0].Document()["text"])
	assert.Equal(t, "second", got[1].Document()["text"])
}

func TestSeriesDefaultsTimestampToNow(t *testing.T) {
	s := startedSeries(t)
	fixed := time.UnixMilli(1_700_000_123_456)
	s.now = func() time.Time { return fixed }

	stored, err := s.Add(context.Background(), cache.NewKey("k"), cache.NewValue(nil))
	require.NoError(t, err)
	assert.Equal(t, fixed.UnixMilli(), stored.Timestamp)
}

func TestSeriesDeleteAtOrBefore(t *testing.T) {
	s := startedSeries(t)
	ctx := context.Background()
	key := cache.NewKey("k")
	for ts := int64(100); ts <= 500; ts += 100 {
		_, _ = s.Add(ctx, key, msg("x", ts))
	}

	n, err := s.Delete(ctx, key, 300)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, _ := s.Query(ctx, key, 0, 1000)
	require.Len(t, got, 2)
	assert.Equal(t, int64(400), got[0].Timestamp)

	n, err = s.Delete(ctx, key, 50)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.Delete(ctx, key, 1000)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Delete(ctx, cache.NewKey("missing"), 1000)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSeriesRequiresStart(t *testing.T) {
	s := NewSeries("s")
	_, err := s.Add(context.Background(), cache.NewKey("k"), cache.NewValue(nil))
	assert.ErrorIs(t, err, cache.ErrNotStarted)
}
