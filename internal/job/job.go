// Package job owns the persisted job records, their indices, and the
// idempotent execution protocol over them.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/deckocr/deckd/internal/deck"
	"github.com/deckocr/deckd/internal/errkind"
)

// State is a job lifecycle state.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Job is one submission's lifecycle record.
type Job struct {
	ID          string            `json:"id"`
	State       State             `json:"state"`
	Progress    int               `json:"progress"`
	Fingerprint string            `json:"fingerprint"`
	Principal   string            `json:"principal,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Result      *deck.Result      `json:"result,omitempty"`
	ErrorKind   errkind.Kind      `json:"error_kind,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Store persists jobs in redis under `job:<uuid>` with fingerprint and
// principal indices. Updates are serialized per job id.
type Store struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time

	locks sync.Map // job id -> *sync.Mutex
}

// NewStore builds a Store whose records live for |ttl|.
func NewStore(rdb redis.UniversalClient, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{rdb: rdb, ttl: ttl, now: time.Now}
}

func jobKey(id string) string       { return "job:" + id }
func hashIndexKey(fp string) string { return "idx:hash:" + fp }
func userIndexKey(p string) string  { return "idx:user:" + p }

// Job records have no in-process fallback: without redis the records
// would vanish with the worker and the indices could not be shared.
var errNoBackend = errkind.New(errkind.Internal, "job storage requires a redis backend")

// Create persists a new queued job and registers it in the indices.
// Creation is create-if-absent on the job key.
func (s *Store) Create(ctx context.Context, fingerprint, principal string, metadata map[string]string) (*Job, error) {
	if s.rdb == nil {
		return nil, errNoBackend
	}
	var now = s.now().UTC()
	var j = &Job{
		ID:          uuid.NewString(),
		State:       StateQueued,
		Fingerprint: fingerprint,
		Principal:   principal,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	blob, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encoding job record: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(j.ID), blob, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("creating job record: %w", err)
	}
	if !ok {
		return nil, errkind.New(errkind.Internal, "job id collision")
	}

	var pipe = s.rdb.Pipeline()
	pipe.SAdd(ctx, hashIndexKey(fingerprint), j.ID)
	pipe.Expire(ctx, hashIndexKey(fingerprint), s.ttl)
	if principal != "" {
		pipe.ZAdd(ctx, userIndexKey(principal), redis.Z{Score: float64(now.Unix()), Member: j.ID})
		pipe.Expire(ctx, userIndexKey(principal), s.ttl)
	}
	if _, err = pipe.Exec(ctx); err != nil {
		log.WithFields(log.Fields{"job": j.ID, "err": err}).Warn("failed to index job record")
	}

	log.WithFields(log.Fields{"job": j.ID, "fingerprint": fingerprint}).Info("created job")
	return j, nil
}

// Get loads a job record.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	if s.rdb == nil {
		return nil, errNoBackend
	}
	var blob, err = s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errkind.New(errkind.NotFound, "unknown or expired job")
	}
	if err != nil {
		return nil, fmt.Errorf("loading job record: %w", err)
	}
	var j Job
	if err = json.Unmarshal(blob, &j); err != nil {
		return nil, fmt.Errorf("decoding job record: %w", err)
	}
	return &j, nil
}

// SetProgress moves a job to |state| with |progress|. Terminal records
// are immutable and progress never regresses.
func (s *Store) SetProgress(ctx context.Context, id string, state State, progress int) error {
	return s.update(ctx, id, func(j *Job) error {
		if j.State.Terminal() {
			return errkind.New(errkind.ValidationError, "job already terminal")
		}
		if progress < j.Progress {
			progress = j.Progress
		}
		j.State = state
		j.Progress = progress
		return nil
	})
}

// Complete marks the job completed with its result at progress 100.
func (s *Store) Complete(ctx context.Context, id string, result *deck.Result) error {
	return s.update(ctx, id, func(j *Job) error {
		if j.State.Terminal() {
			return errkind.New(errkind.ValidationError, "job already terminal")
		}
		j.State = StateCompleted
		j.Progress = 100
		j.Result = result
		return nil
	})
}

// Fail marks the job failed with a classified error.
func (s *Store) Fail(ctx context.Context, id string, kind errkind.Kind, message string) error {
	return s.update(ctx, id, func(j *Job) error {
		if j.State.Terminal() {
			return errkind.New(errkind.ValidationError, "job already terminal")
		}
		j.State = StateFailed
		j.ErrorKind = kind
		j.Error = message
		return nil
	})
}

// Cancel marks the job cancelled.
func (s *Store) Cancel(ctx context.Context, id string) error {
	return s.update(ctx, id, func(j *Job) error {
		if j.State.Terminal() {
			return errkind.New(errkind.ValidationError, "job already terminal")
		}
		j.State = StateCancelled
		return nil
	})
}

// FindByFingerprint returns the most recent completed job for a
// fingerprint, or NotFound.
func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (*Job, error) {
	if s.rdb == nil {
		return nil, errNoBackend
	}
	var ids, err = s.rdb.SMembers(ctx, hashIndexKey(fingerprint)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading fingerprint index: %w", err)
	}

	var best *Job
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if err != nil {
			continue // Expired members linger in the set until swept.
		}
		if j.State != StateCompleted {
			continue
		}
		if best == nil || j.CreatedAt.After(best.CreatedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, errkind.New(errkind.NotFound, "no completed job for fingerprint")
	}
	return best, nil
}

// UserJobs pages through a principal's jobs, most recent first.
func (s *Store) UserJobs(ctx context.Context, principal string, offset, limit int64) ([]*Job, error) {
	if s.rdb == nil {
		return nil, errNoBackend
	}
	var ids, err = s.rdb.ZRevRange(ctx, userIndexKey(principal), offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading principal index: %w", err)
	}
	var out []*Job
	for _, id := range ids {
		if j, err := s.Get(ctx, id); err == nil {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *Store) update(ctx context.Context, id string, mutate func(*Job) error) error {
	var muIface, _ = s.locks.LoadOrStore(id, &sync.Mutex{})
	var mu = muIface.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err = mutate(j); err != nil {
		return err
	}
	j.UpdatedAt = s.now().UTC()

	blob, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encoding job record: %w", err)
	}
	if err = s.rdb.Set(ctx, jobKey(id), blob, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("writing job record: %w", err)
	}
	// Terminal records take no further updates; the serialization entry
	// would otherwise outlive every job ever touched.
	if j.State.Terminal() {
		s.locks.Delete(id)
	}
	return nil
}
