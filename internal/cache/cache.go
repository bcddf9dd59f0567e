// Package cache is the unified key/value layer over a remote redis
// store with a bounded in-process fallback. Keys are namespaced by
// layer; readers treat misses as authoritative negatives.
package cache

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/minio/highwayhash"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Layer namespaces cache keys by concern.
type Layer string

const (
	LayerOCR      Layer = "ocr"
	LayerFuzzy    Layer = "fuzzy"
	LayerScryfall Layer = "scryfall"
	LayerJob      Layer = "job"
	LayerIdem     Layer = "idem"
)

// Fixed highwayhash key: sub-key digests need stability across
// processes, not secrecy.
var hashKey, _ = hex.DecodeString(
	"deadbeefcafebabe0123456789abcdef0123456789abcdeffeedfacecafef00d")

// DefaultLocalCap bounds the in-process fallback map.
const DefaultLocalCap = 4096

var (
	hitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deckd_cache_hit_total",
		Help: "Cache hits per layer.",
	}, []string{"layer"})
	missTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deckd_cache_miss_total",
		Help: "Cache misses per layer.",
	}, []string{"layer"})
)

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is the multi-layer store. A nil redis client (or a failing one)
// degrades transparently to the bounded in-process map.
type Cache struct {
	rdb   redis.UniversalClient
	local *lru.Cache[string, localEntry]

	mu       sync.Mutex
	counters map[Layer]*counters
}

type counters struct{ hits, misses uint64 }

// New builds a Cache over |rdb|, which may be nil for memory-only
// operation. |localCap| bounds the fallback map; zero selects the
// default.
func New(rdb redis.UniversalClient, localCap int) *Cache {
	if localCap <= 0 {
		localCap = DefaultLocalCap
	}
	var local, err = lru.New[string, localEntry](localCap)
	if err != nil {
		panic(err) // Cannot fail for positive sizes.
	}
	return &Cache{rdb: rdb, local: local, counters: make(map[Layer]*counters)}
}

// Key joins a layer and sub-key into the persisted key form.
func Key(layer Layer, sub string) string {
	return string(layer) + ":" + sub
}

// SubKeyDigest hashes an unbounded input into a fixed hex sub-key.
func SubKeyDigest(s string) string {
	var sum = highwayhash.Sum128([]byte(s), hashKey)
	return hex.EncodeToString(sum[:])
}

// Get reads |key|. A false return is an authoritative negative.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.rdb != nil {
		var val, err = c.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			c.count(key, true)
			return val, true
		case err == redis.Nil:
			c.count(key, false)
			return nil, false
		default:
			log.WithFields(log.Fields{"key": key, "err": err}).
				Warn("cache read failed; falling back to process-local store")
		}
	}

	var entry, ok = c.local.Get(key)
	if !ok || time.Now().After(entry.expiresAt) {
		if ok {
			c.local.Remove(key)
		}
		c.count(key, false)
		return nil, false
	}
	c.count(key, true)
	return entry.value, true
}

// Set writes |key| with the given TTL. Values survive at least the TTL
// barring eviction under pressure; concurrent writers are
// last-write-wins.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if c.rdb != nil {
		if err := c.rdb.Set(ctx, key, value, ttl).Err(); err == nil {
			return
		} else {
			log.WithFields(log.Fields{"key": key, "err": err}).
				Warn("cache write failed; falling back to process-local store")
		}
	}
	c.local.Add(key, localEntry{value: value, expiresAt: time.Now().Add(ttl)})
}

// Delete removes |key|.
func (c *Cache) Delete(ctx context.Context, key string) {
	if c.rdb != nil {
		if err := c.rdb.Del(ctx, key).Err(); err == nil {
			return
		}
	}
	c.local.Remove(key)
}

// Exists reports whether |key| is present.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	if c.rdb != nil {
		var n, err = c.rdb.Exists(ctx, key).Result()
		if err == nil {
			return n > 0
		}
	}
	var entry, ok = c.local.Get(key)
	return ok && time.Now().Before(entry.expiresAt)
}

// IncrBy increments the counter at |key|, returning the new value.
func (c *Cache) IncrBy(ctx context.Context, key string, delta int64) int64 {
	if c.rdb != nil {
		var n, err = c.rdb.IncrBy(ctx, key, delta).Result()
		if err == nil {
			return n
		}
	}
	// Local counters have no TTL pressure concerns; hold them for a day.
	var cur int64
	if entry, ok := c.local.Get(key); ok && time.Now().Before(entry.expiresAt) {
		cur = decodeInt(entry.value)
	}
	cur += delta
	c.local.Add(key, localEntry{value: encodeInt(cur), expiresAt: time.Now().Add(24 * time.Hour)})
	return cur
}

// LayerStats is the aggregate counter view of one layer.
type LayerStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns per-layer hit/miss aggregates.
func (c *Cache) Stats() map[Layer]LayerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out = make(map[Layer]LayerStats, len(c.counters))
	for layer, ct := range c.counters {
		var s = LayerStats{Hits: ct.hits, Misses: ct.misses}
		if total := ct.hits + ct.misses; total > 0 {
			s.HitRate = float64(ct.hits) / float64(total)
		}
		out[layer] = s
	}
	return out
}

func (c *Cache) count(key string, hit bool) {
	var layer = layerOf(key)
	c.mu.Lock()
	var ct = c.counters[layer]
	if ct == nil {
		ct = &counters{}
		c.counters[layer] = ct
	}
	if hit {
		ct.hits++
	} else {
		ct.misses++
	}
	c.mu.Unlock()

	if hit {
		hitTotal.WithLabelValues(string(layer)).Inc()
	} else {
		missTotal.WithLabelValues(string(layer)).Inc()
	}
}

func layerOf(key string) Layer {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return Layer(key[:i])
	}
	return Layer(key)
}

func encodeInt(n int64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(n >> (8 * (7 - i)))
	}
	return b[:]
}

func decodeInt(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	var n int64
	for i := 0; i < 8; i++ {
		n = n<<8 | int64(b[i])
	}
	return n
}
