package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	c := NewMemoryCache(10)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "daily_summary|2026-03-10", NextDay(now)))

	posted, err := c.Get(ctx, "daily_summary|2026-03-10")
	require.NoError(t, err)
	assert.True(t, posted)

	now = now.Add(2 * time.Hour)
	posted, err = c.Get(ctx, "daily_summary|2026-03-10")
	require.NoError(t, err)
	assert.False(t, posted, "entries expire at the next UTC midnight")
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCacheSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(10)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "a", now.Add(time.Hour)))
	require.NoError(t, c.Set(ctx, "b", now.Add(3*time.Hour)))

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestMemoryCacheBounded(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(2)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "first", now.Add(time.Hour)))
	require.NoError(t, c.Set(ctx, "second", now.Add(2*time.Hour)))
	require.NoError(t, c.Set(ctx, "third", now.Add(3*time.Hour)))

	assert.Equal(t, 2, c.Len())
	posted, _ := c.Get(ctx, "first")
	assert.False(t, posted, "the entry closest to expiry is evicted")
	posted, _ = c.Get(ctx, "third")
	assert.True(t, posted)
}

func TestMemoryCacheClear(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(0)

	require.NoError(t, c.Set(ctx, "a", time.Now().Add(time.Hour)))
	require.NoError(t, c.Clear(ctx))
	assert.Equal(t, 0, c.Len())
}

func setupRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	c, err := NewRedisCache(mr.Addr())
	require.NoError(t, err)

	return c, mr
}

func TestNewRedisCache_InvalidAddress(t *testing.T) {
	_, err := NewRedisCache("invalid:99999")
	assert.Error(t, err)
}

func TestRedisCache(t *testing.T) {
	c, mr := setupRedisCache(t)
	defer mr.Close()
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	now := time.Now()
	c.now = func() time.Time { return now }

	posted, err := c.Get(ctx, "daily_digest|2026-03-10")
	require.NoError(t, err)
	assert.False(t, posted)

	require.NoError(t, c.Set(ctx, "daily_digest|2026-03-10", now.Add(time.Hour)))
	posted, err = c.Get(ctx, "daily_digest|2026-03-10")
	require.NoError(t, err)
	assert.True(t, posted)

	mr.FastForward(2 * time.Hour)
	posted, err = c.Get(ctx, "daily_digest|2026-03-10")
	require.NoError(t, err)
	assert.False(t, posted)
}

func TestRedisCacheSetExpiredIsNoop(t *testing.T) {
	c, mr := setupRedisCache(t)
	defer mr.Close()
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "stale", time.Now().Add(-time.Minute)))
	assert.False(t, mr.Exists(redisKeyPrefix+"stale"))
}

func TestRedisCacheClear(t *testing.T) {
	c, mr := setupRedisCache(t)
	defer mr.Close()
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	require.NoError(t, mr.Set("unrelated", "x"))
	require.NoError(t, c.Set(ctx, "a", time.Now().Add(time.Hour)))
	require.NoError(t, c.Set(ctx, "b", time.Now().Add(time.Hour)))

	require.NoError(t, c.Clear(ctx))

	assert.False(t, mr.Exists(redisKeyPrefix+"a"))
	assert.False(t, mr.Exists(redisKeyPrefix+"b"))
	assert.True(t, mr.Exists("unrelated"))
}

func TestRedisCacheUnavailable(t *testing.T) {
	c, mr := setupRedisCache(t)
	defer func() { _ = c.Close() }()
	mr.Close()

	_, err := c.Get(context.Background(), "a")
	assert.Error(t, err)
}
