package job

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/deckocr/deckd/internal/deck"
	"github.com/deckocr/deckd/internal/errkind"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	var mr = miniredis.RunT(t)
	var rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, time.Hour), mr
}

func TestCreateAndGet(t *testing.T) {
	var s, _ = newTestStore(t)
	var ctx = context.Background()

	j, err := s.Create(ctx, "abcd1234", "alice", map[string]string{"filename": "deck.png"})
	require.NoError(t, err)
	require.NotEmpty(t, j.ID)
	require.Equal(t, StateQueued, j.State)
	require.Zero(t, j.Progress)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, j.ID, got.ID)
	require.Equal(t, "abcd1234", got.Fingerprint)
	require.Equal(t, "alice", got.Principal)
	require.Equal(t, "deck.png", got.Metadata["filename"])
}

func TestGetUnknownJobIsNotFound(t *testing.T) {
	var s, _ = newTestStore(t)

	_, err := s.Get(context.Background(), "no-such-job")
	require.Error(t, err)
	require.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestProgressIsMonotonic(t *testing.T) {
	var s, _ = newTestStore(t)
	var ctx = context.Background()

	j, err := s.Create(ctx, "fp", "", nil)
	require.NoError(t, err)

	require.NoError(t, s.SetProgress(ctx, j.ID, StateProcessing, 40))
	require.NoError(t, s.SetProgress(ctx, j.ID, StateProcessing, 20))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 40, got.Progress)
	require.Equal(t, StateProcessing, got.State)
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	var s, _ = newTestStore(t)
	var ctx = context.Background()

	j, err := s.Create(ctx, "fp", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, j.ID, &deck.Result{JobID: j.ID}))

	require.Error(t, s.SetProgress(ctx, j.ID, StateProcessing, 50))
	require.Error(t, s.Fail(ctx, j.ID, errkind.OCRError, "late failure"))
	require.Error(t, s.Cancel(ctx, j.ID))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, got.State)
	require.Equal(t, 100, got.Progress)
}

func TestFailRecordsKindAndMessage(t *testing.T) {
	var s, _ = newTestStore(t)
	var ctx = context.Background()

	j, err := s.Create(ctx, "fp", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, j.ID, errkind.OCRError, "no usable text"))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, got.State)
	require.Equal(t, errkind.OCRError, got.ErrorKind)
	require.Equal(t, "no usable text", got.Error)
}

func TestFindByFingerprintPrefersMostRecentCompleted(t *testing.T) {
	var s, _ = newTestStore(t)
	var ctx = context.Background()
	var base = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return base }
	older, err := s.Create(ctx, "shared", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, older.ID, &deck.Result{JobID: older.ID}))

	s.now = func() time.Time { return base.Add(time.Minute) }
	newer, err := s.Create(ctx, "shared", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, newer.ID, &deck.Result{JobID: newer.ID}))

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	pending, err := s.Create(ctx, "shared", "", nil)
	require.NoError(t, err)
	_ = pending

	found, err := s.FindByFingerprint(ctx, "shared")
	require.NoError(t, err)
	require.Equal(t, newer.ID, found.ID)

	_, err = s.FindByFingerprint(ctx, "unknown")
	require.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestUserJobsPagesMostRecentFirst(t *testing.T) {
	var s, _ = newTestStore(t)
	var ctx = context.Background()
	var base = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		var offset = time.Duration(i) * time.Minute
		s.now = func() time.Time { return base.Add(offset) }
		j, err := s.Create(ctx, "fp", "alice", nil)
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}

	page, err := s.UserJobs(ctx, "alice", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, ids[2], page[0].ID)
	require.Equal(t, ids[1], page[1].ID)

	rest, err := s.UserJobs(ctx, "alice", 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, ids[0], rest[0].ID)
}

func TestStoreWithoutBackendErrors(t *testing.T) {
	var s = NewStore(nil, time.Hour)
	var ctx = context.Background()

	_, err := s.Create(ctx, "fp", "alice", nil)
	require.Equal(t, errkind.Internal, errkind.KindOf(err))

	_, err = s.Get(ctx, "some-id")
	require.Equal(t, errkind.Internal, errkind.KindOf(err))

	_, err = s.FindByFingerprint(ctx, "fp")
	require.Equal(t, errkind.Internal, errkind.KindOf(err))

	_, err = s.UserJobs(ctx, "alice", 0, 10)
	require.Equal(t, errkind.Internal, errkind.KindOf(err))

	require.Equal(t, errkind.Internal, errkind.KindOf(s.Cancel(ctx, "some-id")))
}

func TestTerminalJobReleasesSerializationEntry(t *testing.T) {
	var s, _ = newTestStore(t)
	var ctx = context.Background()

	j, err := s.Create(ctx, "fp", "", nil)
	require.NoError(t, err)

	require.NoError(t, s.SetProgress(ctx, j.ID, StateProcessing, 40))
	_, held := s.locks.Load(j.ID)
	require.True(t, held)

	require.NoError(t, s.Complete(ctx, j.ID, &deck.Result{JobID: j.ID}))
	_, held = s.locks.Load(j.ID)
	require.False(t, held)
}

func TestJobRecordsExpire(t *testing.T) {
	var s, mr = newTestStore(t)
	var ctx = context.Background()

	j, err := s.Create(ctx, "fp", "", nil)
	require.NoError(t, err)

	mr.FastForward(time.Hour + time.Minute)
	_, err = s.Get(ctx, j.ID)
	require.Equal(t, errkind.NotFound, errkind.KindOf(err))
}
