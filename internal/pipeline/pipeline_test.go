package pipeline

import (
	"context"
	"encoding/json"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/deckocr/deckd/internal/cache"
	"github.com/deckocr/deckd/internal/catalog"
	"github.com/deckocr/deckd/internal/deck"
	"github.com/deckocr/deckd/internal/errkind"
	"github.com/deckocr/deckd/internal/intake"
	"github.com/deckocr/deckd/internal/job"
	"github.com/deckocr/deckd/internal/ocr"
	"github.com/deckocr/deckd/internal/ocr/fallbackgate"
	"github.com/deckocr/deckd/internal/resolve"
)

func seededResolver(t *testing.T) *resolve.Resolver {
	t.Helper()
	var store, err = catalog.Open(filepath.Join(t.TempDir(), "catalogue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var cards = []map[string]interface{}{
		{"id": "b1", "name": "Lightning Bolt", "layout": "normal"},
		{"id": "c1", "name": "Counterspell", "layout": "normal"},
		{"id": "i1", "name": "Island", "layout": "normal"},
	}
	raw, err := json.Marshal(cards)
	require.NoError(t, err)
	var bulk = filepath.Join(t.TempDir(), "bulk.json")
	require.NoError(t, os.WriteFile(bulk, raw, 0o644))
	require.NoError(t, store.HydrateFromBulk(bulk, "test"))

	return resolve.New(catalog.NewResolver(store, nil, 3), cache.New(nil, 64), false)
}

func newTestRunner(t *testing.T, provider ocr.Provider, vision ocr.VisionProvider, gate *fallbackgate.Gate) (*Runner, *job.Store) {
	t.Helper()
	var mr = miniredis.RunT(t)
	var rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	var jobs = job.NewStore(rdb, time.Hour)
	var r = New(jobs, seededResolver(t), provider, vision, gate, Config{
		MinSpanConfidence:   0.3,
		EarlyStopConfidence: 0.9,
	})
	return r, jobs
}

func testImage() *intake.Image {
	var img = image.NewGray(image.Rect(0, 0, 800, 600))
	return &intake.Image{Format: "png", Decoded: img, Width: 800, Height: 600}
}

func spansOf(conf float64, lines ...string) deck.RawOCR {
	var raw = deck.RawOCR{MeanConf: conf}
	for _, l := range lines {
		raw.Spans = append(raw.Spans, deck.OCRSpan{Text: l, Conf: conf})
	}
	return raw
}

func TestProcessCompletesJob(t *testing.T) {
	var provider = ocr.NewScripted(ocr.ScriptStep{
		Raw: spansOf(0.92, "4 Lightning Bolt", "2 Counterspell", "Sideboard", "3 Island"),
	})
	var runner, jobs = newTestRunner(t, provider, nil, nil)
	var ctx = context.Background()

	created, err := jobs.Create(ctx, "fp", "", nil)
	require.NoError(t, err)

	result, err := runner.Process(ctx, created.ID, testImage())
	require.NoError(t, err)
	require.Equal(t, created.ID, result.JobID)
	require.Equal(t, "Lightning Bolt", result.Normalized.Main[0].Name)
	require.Equal(t, 4, result.Normalized.Main[0].Qty)
	require.Equal(t, "Island", result.Normalized.Side[0].Name)
	require.NotEmpty(t, result.TraceID)
	require.Contains(t, result.TimingsMS, "ocr")
	require.Contains(t, result.TimingsMS, "total")

	stored, err := jobs.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, job.StateCompleted, stored.State)
	require.Equal(t, 100, stored.Progress)
	require.NotNil(t, stored.Result)
}

func TestProcessFailsWhenNothingParses(t *testing.T) {
	var provider = ocr.NewScripted(ocr.ScriptStep{Raw: spansOf(0.9)})
	var runner, jobs = newTestRunner(t, provider, nil, nil)
	var ctx = context.Background()

	created, err := jobs.Create(ctx, "fp", "", nil)
	require.NoError(t, err)

	_, err = runner.Process(ctx, created.ID, testImage())
	require.Error(t, err)
	require.Equal(t, errkind.ValidationError, errkind.KindOf(err))

	stored, err := jobs.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, job.StateFailed, stored.State)
	require.Equal(t, errkind.ValidationError, stored.ErrorKind)
}

func TestProcessFailsWhenRecognitionFails(t *testing.T) {
	var provider = ocr.NewScripted(ocr.ScriptStep{
		Err: errkind.New(errkind.OCRError, "engine crashed"),
	})
	var runner, jobs = newTestRunner(t, provider, nil, nil)
	var ctx = context.Background()

	created, err := jobs.Create(ctx, "fp", "", nil)
	require.NoError(t, err)

	_, err = runner.Process(ctx, created.ID, testImage())
	require.Error(t, err)
	require.Equal(t, errkind.OCRError, errkind.KindOf(err))

	stored, err := jobs.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, job.StateFailed, stored.State)
}

func TestVisionFallbackAdoptedOnLowConfidence(t *testing.T) {
	var provider = ocr.NewScripted(ocr.ScriptStep{
		Raw: spansOf(0.30, "4 Lghtnin Blt", "2 Cntrspl"),
	})
	provider.VisionResult = spansOf(0.95, "4 Lightning Bolt", "2 Counterspell", "Sideboard", "3 Island")
	var gate = fallbackgate.New(fallbackgate.Config{Enabled: true})

	var runner, jobs = newTestRunner(t, provider, provider, gate)
	var ctx = context.Background()

	created, err := jobs.Create(ctx, "fp", "", nil)
	require.NoError(t, err)

	result, err := runner.Process(ctx, created.ID, testImage())
	require.NoError(t, err)
	require.Equal(t, 1, provider.VisionCalls)
	require.Equal(t, "Lightning Bolt", result.Normalized.Main[0].Name)
	require.Contains(t, result.TimingsMS, "vision")
}

func TestConfidentPrimarySkipsVision(t *testing.T) {
	var provider = ocr.NewScripted(ocr.ScriptStep{
		Raw: spansOf(0.95,
			"4 Lightning Bolt", "2 Counterspell", "3 Island", "4 Island",
			"2 Island", "1 Island", "4 Counterspell", "2 Lightning Bolt",
			"1 Counterspell", "3 Lightning Bolt"),
	})
	var gate = fallbackgate.New(fallbackgate.Config{Enabled: true})

	var runner, jobs = newTestRunner(t, provider, provider, gate)
	var ctx = context.Background()

	created, err := jobs.Create(ctx, "fp", "", nil)
	require.NoError(t, err)

	_, err = runner.Process(ctx, created.ID, testImage())
	require.NoError(t, err)
	require.Zero(t, provider.VisionCalls)
}

func TestVisionFailureKeepsPrimaryResult(t *testing.T) {
	var provider = ocr.NewScripted(ocr.ScriptStep{
		Raw: spansOf(0.40, "4 Lightning Bolt", "2 Counterspell"),
	})
	provider.VisionErr = errkind.New(errkind.ExternalServiceError, "model unavailable")
	var gate = fallbackgate.New(fallbackgate.Config{Enabled: true})

	var runner, jobs = newTestRunner(t, provider, provider, gate)
	var ctx = context.Background()

	created, err := jobs.Create(ctx, "fp", "", nil)
	require.NoError(t, err)

	result, err := runner.Process(ctx, created.ID, testImage())
	require.NoError(t, err)
	require.Equal(t, 1, provider.VisionCalls)
	require.Equal(t, "Lightning Bolt", result.Normalized.Main[0].Name)

	stored, err := jobs.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, job.StateCompleted, stored.State)
}

type stalledProvider struct{}

func (stalledProvider) Recognize(ctx context.Context, _ image.Image) (deck.RawOCR, error) {
	<-ctx.Done()
	return deck.RawOCR{}, ctx.Err()
}

func TestHardTimeoutFailsJob(t *testing.T) {
	var runner, jobs = newTestRunner(t, stalledProvider{}, nil, nil)
	runner.Config.HardTimeout = 50 * time.Millisecond
	runner.Config.SoftTimeout = 25 * time.Millisecond
	var ctx = context.Background()

	created, err := jobs.Create(ctx, "fp", "", nil)
	require.NoError(t, err)

	_, err = runner.Process(ctx, created.ID, testImage())
	require.Error(t, err)
	require.Equal(t, errkind.Timeout, errkind.KindOf(err))

	stored, err := jobs.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, job.StateFailed, stored.State)
	require.Equal(t, errkind.Timeout, stored.ErrorKind)
}
