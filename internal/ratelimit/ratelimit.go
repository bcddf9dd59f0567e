// Package ratelimit enforces per-client sliding-window limits with a
// secondary short-burst window.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	windowSeconds = 60
	burstSeconds  = 5
)

// Limits carries the two window ceilings.
type Limits struct {
	PerMinute int
	Burst     int
}

// Decision is the outcome of one rate check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter tracks request timestamps per client address in redis, with
// an in-process fallback when redis is unavailable.
type Limiter struct {
	rdb redis.UniversalClient
	now func() time.Time

	mu    sync.Mutex
	local map[string][]time.Time
}

// New builds a Limiter. A nil client selects memory-only operation.
func New(rdb redis.UniversalClient) *Limiter {
	return &Limiter{rdb: rdb, now: time.Now, local: make(map[string][]time.Time)}
}

func rateKey(address string) string { return "rate:" + address }

// Check decides whether a request from |address| is admitted under
// |limits|. Only admitted requests consume a window slot; a denied
// caller retrying does not push its own reset further out.
func (l *Limiter) Check(ctx context.Context, address string, limits Limits) Decision {
	if limits.PerMinute <= 0 {
		return Decision{Allowed: true, Remaining: 1, ResetAt: l.now()}
	}

	if l.rdb != nil {
		if d, err := l.checkRedis(ctx, address, limits); err == nil {
			return d
		} else {
			log.WithFields(log.Fields{"address": address, "err": err}).
				Warn("rate limiter falling back to process-local window")
		}
	}
	return l.checkLocal(address, limits)
}

func (l *Limiter) checkRedis(ctx context.Context, address string, limits Limits) (Decision, error) {
	var now = l.now()
	var key = rateKey(address)
	var windowStart = now.Add(-windowSeconds * time.Second)
	var burstStart = now.Add(-burstSeconds * time.Second)

	var pipe = l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	var countCmd = pipe.ZCard(ctx, key)
	var burstCmd = pipe.ZCount(ctx, key, fmt.Sprintf("%d", burstStart.UnixNano()), "+inf")
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}

	var count = int(countCmd.Val())
	var burst = int(burstCmd.Val())
	var allowed = count < limits.PerMinute && (limits.Burst <= 0 || burst < limits.Burst)

	if allowed {
		pipe = l.rdb.Pipeline()
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(now.UnixNano()),
			Member: strconv.FormatInt(now.UnixNano(), 10),
		})
		pipe.Expire(ctx, key, windowSeconds*time.Second)
		if _, err := pipe.Exec(ctx); err != nil {
			return Decision{}, err
		}
		count++
	}

	return Decision{
		Allowed:   allowed,
		Remaining: remaining(limits.PerMinute, count),
		ResetAt:   now.Add(windowSeconds * time.Second),
	}, nil
}

func (l *Limiter) checkLocal(address string, limits Limits) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	var now = l.now()
	var windowStart = now.Add(-windowSeconds * time.Second)
	var burstStart = now.Add(-burstSeconds * time.Second)

	var kept = l.local[address][:0]
	var burst int
	for _, ts := range l.local[address] {
		if ts.After(windowStart) {
			kept = append(kept, ts)
			if ts.After(burstStart) {
				burst++
			}
		}
	}
	l.local[address] = kept

	var count = len(kept)
	var allowed = count < limits.PerMinute && (limits.Burst <= 0 || burst < limits.Burst)
	if allowed {
		l.local[address] = append(l.local[address], now)
		count++
	}

	return Decision{
		Allowed:   allowed,
		Remaining: remaining(limits.PerMinute, count),
		ResetAt:   now.Add(windowSeconds * time.Second),
	}
}

func remaining(limit, count int) int {
	if count >= limit {
		return 0
	}
	return limit - count
}
