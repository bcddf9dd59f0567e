package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	var mr = miniredis.RunT(t)
	var rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, 64), mr
}

func TestGetSetRoundTrip(t *testing.T) {
	var c, _ = newTestCache(t)
	var ctx = context.Background()
	var key = Key(LayerOCR, "abc123")

	_, ok := c.Get(ctx, key)
	require.False(t, ok)

	c.Set(ctx, key, []byte(`{"spans":[]}`), time.Hour)

	val, ok := c.Get(ctx, key)
	require.True(t, ok)
	require.Equal(t, []byte(`{"spans":[]}`), val)
	require.True(t, c.Exists(ctx, key))

	c.Delete(ctx, key)
	require.False(t, c.Exists(ctx, key))
}

func TestTTLExpiry(t *testing.T) {
	var c, mr = newTestCache(t)
	var ctx = context.Background()
	var key = Key(LayerFuzzy, "lightning bolt")

	c.Set(ctx, key, []byte("cached"), 2*time.Hour)
	mr.FastForward(2*time.Hour + time.Second)

	_, ok := c.Get(ctx, key)
	require.False(t, ok)
}

func TestLayersAreIsolated(t *testing.T) {
	var c, _ = newTestCache(t)
	var ctx = context.Background()

	c.Set(ctx, Key(LayerOCR, "same"), []byte("ocr"), time.Hour)
	c.Set(ctx, Key(LayerScryfall, "same"), []byte("scryfall"), time.Hour)

	val, ok := c.Get(ctx, Key(LayerOCR, "same"))
	require.True(t, ok)
	require.Equal(t, []byte("ocr"), val)

	val, ok = c.Get(ctx, Key(LayerScryfall, "same"))
	require.True(t, ok)
	require.Equal(t, []byte("scryfall"), val)
}

func TestIncrBy(t *testing.T) {
	var c, _ = newTestCache(t)
	var ctx = context.Background()
	var key = Key(LayerJob, "rate:alice")

	require.Equal(t, int64(1), c.IncrBy(ctx, key, 1))
	require.Equal(t, int64(3), c.IncrBy(ctx, key, 2))
}

func TestLocalFallbackWhenRedisDown(t *testing.T) {
	var mr = miniredis.RunT(t)
	var rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	var c = New(rdb, 64)
	var ctx = context.Background()
	mr.Close()

	var key = Key(LayerIdem, "deadbeef")
	c.Set(ctx, key, []byte("result"), time.Minute)

	val, ok := c.Get(ctx, key)
	require.True(t, ok)
	require.Equal(t, []byte("result"), val)

	require.Equal(t, int64(5), c.IncrBy(ctx, Key(LayerJob, "ctr"), 5))
}

func TestMemoryOnlyOperation(t *testing.T) {
	var c = New(nil, 8)
	var ctx = context.Background()

	c.Set(ctx, Key(LayerOCR, "k"), []byte("v"), time.Minute)
	val, ok := c.Get(ctx, Key(LayerOCR, "k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), val)

	// Expired local entries read as misses.
	c.Set(ctx, Key(LayerOCR, "stale"), []byte("v"), -time.Second)
	_, ok = c.Get(ctx, Key(LayerOCR, "stale"))
	require.False(t, ok)
}

func TestLocalCapEvicts(t *testing.T) {
	var c = New(nil, 4)
	var ctx = context.Background()

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		c.Set(ctx, Key(LayerOCR, k), []byte(k), time.Minute)
	}
	_, ok := c.Get(ctx, Key(LayerOCR, "a"))
	require.False(t, ok)
	_, ok = c.Get(ctx, Key(LayerOCR, "e"))
	require.True(t, ok)
}

func TestStatsCountPerLayer(t *testing.T) {
	var c, _ = newTestCache(t)
	var ctx = context.Background()

	c.Set(ctx, Key(LayerOCR, "hit"), []byte("v"), time.Hour)
	c.Get(ctx, Key(LayerOCR, "hit"))
	c.Get(ctx, Key(LayerOCR, "miss"))
	c.Get(ctx, Key(LayerFuzzy, "miss"))

	var stats = c.Stats()
	require.Equal(t, uint64(1), stats[LayerOCR].Hits)
	require.Equal(t, uint64(1), stats[LayerOCR].Misses)
	require.InDelta(t, 0.5, stats[LayerOCR].HitRate, 1e-9)
	require.Equal(t, uint64(1), stats[LayerFuzzy].Misses)
}

func TestSubKeyDigestIsStableHex(t *testing.T) {
	var a = SubKeyDigest("Lightning Bolt")
	require.Equal(t, a, SubKeyDigest("Lightning Bolt"))
	require.Len(t, a, 32)
	require.NotEqual(t, a, SubKeyDigest("lightning bolt"))
}
