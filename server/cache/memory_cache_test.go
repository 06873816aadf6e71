package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func newTestCache(t *testing.T, size int, ttl time.Duration) (*MemoryCache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC)}
	c := NewMemoryCache(size, ttl, zap.NewNop())
	c.now = clock.Now
	t.Cleanup(func() { c.Close() })
	return c, clock
}

func TestMemoryCache_SetGet(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 10, time.Minute)

	value := []byte(`{"label":1}`)
	require.NoError(t, c.Set(ctx, "k", value))

	// Mutating the caller's slice must not reach the cache.
	value[0] = 'X'

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"label":1}`), got)

	got[0] = 'Y'
	again, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"label":1}`), again)

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRatio, 1e-9)
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t, 10, time.Minute)

	require.NoError(t, c.Set(ctx, "k", []byte("v")))
	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	clock.t = clock.t.Add(2 * time.Minute)

	ok, err = c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)

	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Equal(t, 0, c.removeExpired())
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t, 2, time.Hour)

	require.NoError(t, c.Set(ctx, "a", []byte("1")))
	clock.t = clock.t.Add(time.Second)
	require.NoError(t, c.Set(ctx, "b", []byte("2")))
	clock.t = clock.t.Add(time.Second)

	_, err := c.Get(ctx, "a")
	require.NoError(t, err)
	clock.t = clock.t.Add(time.Second)

	require.NoError(t, c.Set(ctx, "c", []byte("3")))

	_, err = c.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "a")
	assert.NoError(t, err)

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, 2, stats.Items)
}

func TestMemoryCache_OverwriteDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 1, time.Hour)

	require.NoError(t, c.Set(ctx, "a", []byte("1")))
	require.NoError(t, c.Set(ctx, "a", []byte("2")))

	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)
}

func TestMemoryCache_DisabledAndClear(t *testing.T) {
	ctx := context.Background()

	disabled, _ := newTestCache(t, 0, time.Hour)
	require.NoError(t, disabled.Set(ctx, "a", []byte("1")))
	_, err := disabled.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)

	c, _ := newTestCache(t, 10, time.Hour)
	require.NoError(t, c.Set(ctx, "a", []byte("1")))
	require.NoError(t, c.Set(ctx, "b", []byte("2")))
	n, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err := c.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, c.Close())
}

func TestGenerateCacheKey(t *testing.T) {
	assert.Equal(t, GenerateCacheKey("v1", "abc"), GenerateCacheKey("v1", "abc"))
	assert.NotEqual(t, GenerateCacheKey("ab", "c"), GenerateCacheKey("a", "bc"))
	assert.Len(t, GenerateCacheKey("x"), 64)
}
