// Package retention bounds persisted state: scheduled sweeps over
// files and redis keys, plus the per-principal export and erasure
// operations.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/deckocr/deckd/internal/errkind"
	"github.com/deckocr/deckd/internal/job"
)

// Policy carries the retention intervals and swept locations.
type Policy struct {
	Images  time.Duration
	Jobs    time.Duration
	Hashes  time.Duration
	Logs    time.Duration
	Metrics time.Duration

	UploadDir string
	LogDir    string
}

// Sweep cadences.
const (
	imagesCadence  = time.Hour
	jobsCadence    = 15 * time.Minute
	hashesCadence  = 24 * time.Hour
	metricsCadence = 7 * 24 * time.Hour
)

// Engine runs the sweeps and serves the data-subject operations.
type Engine struct {
	rdb    redis.UniversalClient
	policy Policy
	now    func() time.Time
}

// NewEngine builds an Engine over redis and the retention policy.
func NewEngine(rdb redis.UniversalClient, policy Policy) *Engine {
	return &Engine{rdb: rdb, policy: policy, now: time.Now}
}

// Run drives the sweep schedule until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	var group, groupCtx = errgroup.WithContext(ctx)

	group.Go(func() error { return e.every(groupCtx, imagesCadence, "images", e.SweepImages) })
	group.Go(func() error { return e.every(groupCtx, jobsCadence, "jobs", e.SweepJobs) })
	group.Go(func() error { return e.every(groupCtx, hashesCadence, "hashes", e.SweepHashesAndLogs) })
	group.Go(func() error { return e.every(groupCtx, metricsCadence, "metrics", e.SweepMetrics) })

	return group.Wait()
}

func (e *Engine) every(ctx context.Context, cadence time.Duration, name string, sweep func(context.Context) (int, error)) error {
	var ticker = time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var removed, err = sweep(ctx)
			if err != nil {
				log.WithFields(log.Fields{"sweep": name, "err": err}).Error("retention sweep failed")
				continue
			}
			log.WithFields(log.Fields{"sweep": name, "removed": removed}).Info("retention sweep completed")
		}
	}
}

// SweepImages deletes stored image files older than the images
// retention and backstops TTLs on image cache entries.
func (e *Engine) SweepImages(ctx context.Context) (int, error) {
	var removed int
	var cutoff = e.now().Add(-e.policy.Images)

	if e.policy.UploadDir != "" {
		entries, err := os.ReadDir(e.policy.UploadDir)
		if err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("listing upload directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if err = os.Remove(filepath.Join(e.policy.UploadDir, entry.Name())); err == nil {
					removed++
				}
			}
		}
	}

	var err = e.ensureTTL(ctx, "image:*", e.policy.Images)
	return removed, err
}

// SweepJobs deletes expired job records and cascades to orphaned
// results. Records with live TTLs expire on their own; the sweep
// covers records whose TTL was lost.
func (e *Engine) SweepJobs(ctx context.Context) (int, error) {
	var removed int
	var cutoff = e.now().Add(-e.policy.Jobs)

	var iter = e.rdb.Scan(ctx, 0, "job:*", 100).Iterator()
	for iter.Next(ctx) {
		var key = iter.Val()
		blob, err := e.rdb.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var j job.Job
		if err = json.Unmarshal(blob, &j); err != nil {
			continue
		}
		if j.State.Terminal() && j.UpdatedAt.Before(cutoff) {
			if err = e.rdb.Del(ctx, key).Err(); err == nil {
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scanning job keys: %w", err)
	}

	// Orphaned results: result records whose job is gone.
	iter = e.rdb.Scan(ctx, 0, "result:*", 100).Iterator()
	for iter.Next(ctx) {
		var key = iter.Val()
		var jobID = key[len("result:"):]
		n, err := e.rdb.Exists(ctx, "job:"+jobID).Result()
		if err == nil && n == 0 {
			if err = e.rdb.Del(ctx, key).Err(); err == nil {
				removed++
			}
		}
	}
	return removed, iter.Err()
}

// SweepHashesAndLogs backstops TTLs on hash entries and deletes log
// files older than the logs retention.
func (e *Engine) SweepHashesAndLogs(ctx context.Context) (int, error) {
	if err := e.ensureTTL(ctx, "hash:*", e.policy.Hashes); err != nil {
		return 0, err
	}

	var removed int
	if e.policy.LogDir != "" {
		var cutoff = e.now().Add(-e.policy.Logs)
		entries, err := os.ReadDir(e.policy.LogDir)
		if err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("listing log directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if err = os.Remove(filepath.Join(e.policy.LogDir, entry.Name())); err == nil {
					removed++
				}
			}
		}
	}
	return removed, nil
}

// SweepMetrics trims metric series entries scored before the metrics
// retention horizon.
func (e *Engine) SweepMetrics(ctx context.Context) (int, error) {
	var removed int
	var cutoff = e.now().Add(-e.policy.Metrics).Unix()

	var iter = e.rdb.Scan(ctx, 0, "metric:*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := e.rdb.ZRemRangeByScore(ctx, iter.Val(), "0", fmt.Sprintf("%d", cutoff)).Result()
		if err == nil {
			removed += int(n)
		}
	}
	return removed, iter.Err()
}

// ensureTTL sets the retention TTL on matching keys that have none.
func (e *Engine) ensureTTL(ctx context.Context, pattern string, ttl time.Duration) error {
	var iter = e.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		var key = iter.Val()
		d, err := e.rdb.TTL(ctx, key).Result()
		if err != nil {
			continue
		}
		if d == -1*time.Second || d == -1 {
			e.rdb.Expire(ctx, key, ttl)
		}
	}
	return iter.Err()
}

// principalPatterns are the key families erased or exported for a
// data subject.
func principalPatterns(principal string) []string {
	return []string{
		"idx:user:" + principal,
		"rate:" + principal,
		"session:" + principal + ":*",
	}
}

// Archive is the portable export of one principal's records.
type Archive struct {
	Principal  string            `json:"principal"`
	ExportedAt time.Time         `json:"exported_at"`
	Jobs       []*job.Job        `json:"jobs"`
	Keys       map[string]string `json:"keys,omitempty"`
}

// Export collects every record held for |principal|.
func (e *Engine) Export(ctx context.Context, principal string, jobs *job.Store) (*Archive, error) {
	var archive = &Archive{
		Principal:  principal,
		ExportedAt: e.now().UTC(),
		Keys:       map[string]string{},
	}

	records, err := jobs.UserJobs(ctx, principal, 0, 1000)
	if err != nil {
		return nil, err
	}
	archive.Jobs = records

	for _, pattern := range principalPatterns(principal) {
		var iter = e.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			var key = iter.Val()
			if val, err := e.rdb.Get(ctx, key).Result(); err == nil {
				archive.Keys[key] = val
			} else {
				archive.Keys[key] = "" // Non-string structures list the key only.
			}
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("scanning %q: %w", pattern, err)
		}
	}

	log.WithFields(log.Fields{"principal": principal, "jobs": len(archive.Jobs)}).
		Info("exported principal data")
	return archive, nil
}

// Erase deletes every record held for |principal|, returning the
// number of keys removed.
func (e *Engine) Erase(ctx context.Context, principal string, jobs *job.Store) (int, error) {
	var removed int

	records, err := jobs.UserJobs(ctx, principal, 0, 1000)
	if err != nil {
		return 0, err
	}
	for _, j := range records {
		if err := e.rdb.Del(ctx, "job:"+j.ID).Err(); err == nil {
			removed++
		}
		if n, _ := e.rdb.Del(ctx, "result:"+j.ID).Result(); n > 0 {
			removed++
		}
		e.rdb.SRem(ctx, "idx:hash:"+j.Fingerprint, j.ID)
	}

	for _, pattern := range principalPatterns(principal) {
		var iter = e.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if n, err := e.rdb.Del(ctx, iter.Val()).Result(); err == nil {
				removed += int(n)
			}
		}
		if err := iter.Err(); err != nil {
			return removed, fmt.Errorf("scanning %q: %w", pattern, err)
		}
	}

	log.WithFields(log.Fields{"principal": principal, "removed": removed}).
		Info("erased principal data")
	return removed, nil
}

var (
	reJobID       = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	reFingerprint = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Purged reports what a per-identifier deletion removed.
type Purged struct {
	Kind string `json:"kind"`
	Keys int    `json:"keys"`
}

// PurgeIdentifier deletes the records behind a job id (UUID) or an
// image fingerprint (64-hex), including their indices.
func (e *Engine) PurgeIdentifier(ctx context.Context, identifier string, jobs *job.Store) (*Purged, error) {
	switch {
	case reJobID.MatchString(identifier):
		var removed int
		if j, err := jobs.Get(ctx, identifier); err == nil {
			e.rdb.SRem(ctx, "idx:hash:"+j.Fingerprint, j.ID)
			if j.Principal != "" {
				e.rdb.ZRem(ctx, "idx:user:"+j.Principal, j.ID)
			}
		}
		if n, _ := e.rdb.Del(ctx, "job:"+identifier).Result(); n > 0 {
			removed += int(n)
		}
		if n, _ := e.rdb.Del(ctx, "result:"+identifier).Result(); n > 0 {
			removed += int(n)
		}
		return &Purged{Kind: "job", Keys: removed}, nil

	case reFingerprint.MatchString(identifier):
		var removed int
		ids, err := e.rdb.SMembers(ctx, "idx:hash:"+identifier).Result()
		if err != nil {
			return nil, fmt.Errorf("reading fingerprint index: %w", err)
		}
		for _, id := range ids {
			if j, err := jobs.Get(ctx, id); err == nil && j.Principal != "" {
				e.rdb.ZRem(ctx, "idx:user:"+j.Principal, id)
			}
			if n, _ := e.rdb.Del(ctx, "job:"+id).Result(); n > 0 {
				removed += int(n)
			}
			if n, _ := e.rdb.Del(ctx, "result:"+id).Result(); n > 0 {
				removed += int(n)
			}
		}
		if n, _ := e.rdb.Del(ctx, "idx:hash:"+identifier).Result(); n > 0 {
			removed += int(n)
		}
		return &Purged{Kind: "fingerprint", Keys: removed}, nil

	default:
		return nil, errkind.New(errkind.ValidationError,
			"identifier is neither a job id nor a fingerprint")
	}
}
