package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/deckocr/deckd/internal/deck"
)

// Runner executes the pipeline at most once per idempotency key while
// the key's result is live. Concurrent submissions of the same key
// either wait for the in-flight run or reuse its cached result.
type Runner struct {
	rdb       redis.UniversalClient
	lockTTL   time.Duration
	blockWait time.Duration
	resultTTL time.Duration

	pollInterval time.Duration
}

// NewRunner builds a Runner. |resultTTL| bounds how long successful
// results satisfy later submissions.
func NewRunner(rdb redis.UniversalClient, lockTTL, blockWait, resultTTL time.Duration) *Runner {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	if blockWait <= 0 {
		blockWait = 5 * time.Second
	}
	if resultTTL <= 0 {
		resultTTL = time.Hour
	}
	return &Runner{
		rdb:          rdb,
		lockTTL:      lockTTL,
		blockWait:    blockWait,
		resultTTL:    resultTTL,
		pollInterval: 250 * time.Millisecond,
	}
}

func lockKey(key string) string   { return "idem:" + key + ":lock" }
func resultKey(key string) string { return "idem:" + key + ":result" }

// Run returns the cached result for |key| or executes |fn| to produce
// one. The second return is true when the result came from cache.
// Failures are never cached.
func (r *Runner) Run(ctx context.Context, key string, fn func(context.Context) (*deck.Result, error)) (*deck.Result, bool, error) {
	if r.rdb == nil {
		// No shared store means no lock to take and no result to reuse.
		var result, err = fn(ctx)
		return result, false, err
	}

	if cached, ok := r.readResult(ctx, key); ok {
		return cached, true, nil
	}

	var token = uuid.NewString()
	acquired, err := r.rdb.SetNX(ctx, lockKey(key), token, r.lockTTL).Result()
	if err != nil {
		log.WithFields(log.Fields{"key": key, "err": err}).
			Warn("lock acquisition errored; proceeding without lock")
	} else if !acquired {
		// Another submission is running this key. Wait briefly for its
		// result before falling through to an unlocked run.
		if cached, ok := r.awaitResult(ctx, key); ok {
			return cached, true, nil
		}
		log.WithFields(log.Fields{"key": key}).
			Warn("lock wait expired without a result; proceeding without lock")
	}

	result, runErr := fn(ctx)
	if acquired {
		r.releaseLock(ctx, key, token)
	}
	if runErr != nil {
		return nil, false, runErr
	}

	if blob, err := json.Marshal(result); err == nil {
		if err = r.rdb.Set(ctx, resultKey(key), blob, r.resultTTL).Err(); err != nil {
			log.WithFields(log.Fields{"key": key, "err": err}).Warn("failed to cache result")
		}
	}
	return result, false, nil
}

// Invalidate drops the cached result for |key|.
func (r *Runner) Invalidate(ctx context.Context, key string) error {
	if r.rdb == nil {
		return nil
	}
	if err := r.rdb.Del(ctx, resultKey(key)).Err(); err != nil {
		return fmt.Errorf("invalidating idempotency result: %w", err)
	}
	return nil
}

func (r *Runner) readResult(ctx context.Context, key string) (*deck.Result, bool) {
	var blob, err = r.rdb.Get(ctx, resultKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var result deck.Result
	if err = json.Unmarshal(blob, &result); err != nil {
		return nil, false
	}
	result.FromCache = true
	return &result, true
}

func (r *Runner) awaitResult(ctx context.Context, key string) (*deck.Result, bool) {
	var deadline = time.Now().Add(r.blockWait)
	var ticker = time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
			if cached, ok := r.readResult(ctx, key); ok {
				return cached, true
			}
		}
	}
	return nil, false
}

// releaseLock frees the lock only when still held by this run, so an
// expired lock reacquired by another run is left alone.
func (r *Runner) releaseLock(ctx context.Context, key, token string) {
	var held, err = r.rdb.Get(ctx, lockKey(key)).Result()
	if err != nil || held != token {
		return
	}
	if err = r.rdb.Del(ctx, lockKey(key)).Err(); err != nil {
		log.WithFields(log.Fields{"key": key, "err": err}).Warn("failed to release lock")
	}
}
