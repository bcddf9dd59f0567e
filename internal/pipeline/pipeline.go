// Package pipeline drives a submission through the recognition stages
// and records progress on the job as each stage completes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/deckocr/deckd/internal/deck"
	"github.com/deckocr/deckd/internal/errkind"
	"github.com/deckocr/deckd/internal/intake"
	"github.com/deckocr/deckd/internal/job"
	"github.com/deckocr/deckd/internal/ocr"
	"github.com/deckocr/deckd/internal/ocr/fallbackgate"
	"github.com/deckocr/deckd/internal/preprocess"
	"github.com/deckocr/deckd/internal/resolve"
)

// Progress checkpoints written to the job record at stage boundaries.
const (
	progressDecoded   = 10
	progressVariants  = 20
	progressRecognize = 40
	progressParsed    = 60
	progressResolved  = 80
)

// Execution limits. The soft limit logs a warning; the hard limit fails
// the job.
const (
	SoftTimeout = 4 * time.Minute
	HardTimeout = 5 * time.Minute
)

var (
	jobOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deckd_pipeline_jobs_total",
		Help: "Pipeline executions by terminal outcome.",
	}, []string{"outcome"})
	stageSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deckd_pipeline_stage_seconds",
		Help:    "Wall time per pipeline stage.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2.5, 10),
	}, []string{"stage"})
)

// Config carries the recognition options threaded through a run.
type Config struct {
	Preprocess          preprocess.Options
	MinSpanConfidence   float64
	EarlyStopConfidence float64

	SoftTimeout time.Duration
	HardTimeout time.Duration
}

func (c Config) softTimeout() time.Duration {
	if c.SoftTimeout > 0 {
		return c.SoftTimeout
	}
	return SoftTimeout
}

func (c Config) hardTimeout() time.Duration {
	if c.HardTimeout > 0 {
		return c.HardTimeout
	}
	return HardTimeout
}

// Runner executes the stage sequence. Vision and Gate are optional
// together; when Vision is nil the gate is never consulted.
type Runner struct {
	Jobs     *job.Store
	Resolver *resolve.Resolver
	Provider ocr.Provider
	Vision   ocr.VisionProvider
	Gate     *fallbackgate.Gate
	Config   Config

	parser deck.Parser
}

// New builds a Runner over its collaborators.
func New(jobs *job.Store, resolver *resolve.Resolver, provider ocr.Provider, vision ocr.VisionProvider, gate *fallbackgate.Gate, cfg Config) *Runner {
	return &Runner{
		Jobs:     jobs,
		Resolver: resolver,
		Provider: provider,
		Vision:   vision,
		Gate:     gate,
		Config:   cfg,
	}
}

// Process runs |img| through the stages, updating |jobID| as it goes.
// The returned result is also persisted on the job record. Failures are
// written to the job as terminal states and returned.
func (r *Runner) Process(ctx context.Context, jobID string, img *intake.Image) (*deck.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Config.hardTimeout())
	defer cancel()

	var softTimer = time.AfterFunc(r.Config.softTimeout(), func() {
		log.WithFields(log.Fields{"job": jobID}).Warn("pipeline run passed the soft time limit")
	})
	defer softTimer.Stop()

	// Terminal writes must land even when the run context has expired.
	var storeCtx = context.WithoutCancel(ctx)

	result, err := r.run(ctx, jobID, img)
	if err != nil {
		var kind = errkind.KindOf(err)
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			kind = errkind.Timeout
			err = errkind.Wrap(errkind.Timeout, "processing exceeded the time limit", err)
		}
		if failErr := r.Jobs.Fail(storeCtx, jobID, kind, errkind.MessageOf(err)); failErr != nil {
			log.WithFields(log.Fields{"job": jobID, "err": failErr}).
				Error("failed to record job failure")
		}
		jobOutcomes.WithLabelValues("failed").Inc()
		return nil, err
	}

	if err = r.Jobs.Complete(storeCtx, jobID, result); err != nil {
		jobOutcomes.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("persisting result: %w", err)
	}
	jobOutcomes.WithLabelValues("completed").Inc()
	return result, nil
}

func (r *Runner) run(ctx context.Context, jobID string, img *intake.Image) (*deck.Result, error) {
	var started = time.Now()
	var timings = map[string]int64{}

	if err := r.Jobs.SetProgress(ctx, jobID, job.StateProcessing, progressDecoded); err != nil {
		return nil, err
	}

	variants, elapsed := timed("preprocess", func() []preprocess.Variant {
		return preprocess.Variants(img.Decoded, r.Config.Preprocess)
	})
	timings["preprocess"] = elapsed
	if err := r.Jobs.SetProgress(ctx, jobID, job.StateProcessing, progressVariants); err != nil {
		return nil, err
	}

	raw, err := r.recognize(ctx, img, variants, timings)
	if err != nil {
		return nil, err
	}
	if err = r.Jobs.SetProgress(ctx, jobID, job.StateProcessing, progressRecognize); err != nil {
		return nil, err
	}

	parsed, elapsed := timed("parse", func() deck.Sections {
		return r.parser.Parse(raw.Spans)
	})
	timings["parse"] = elapsed
	if err = r.Jobs.SetProgress(ctx, jobID, job.StateProcessing, progressParsed); err != nil {
		return nil, err
	}

	var resolveStart = time.Now()
	enriched, normalized := r.Resolver.Sections(ctx, parsed)
	timings["resolve"] = time.Since(resolveStart).Milliseconds()
	stageSeconds.WithLabelValues("resolve").Observe(time.Since(resolveStart).Seconds())
	if err = r.Jobs.SetProgress(ctx, jobID, job.StateProcessing, progressResolved); err != nil {
		return nil, err
	}

	normalized = deck.ApplyMTGOLandFix(normalized)
	normalized, err = deck.ValidateAndFill(normalized)
	if err != nil {
		return nil, err
	}

	timings["total"] = time.Since(started).Milliseconds()
	return &deck.Result{
		JobID:      jobID,
		Raw:        raw,
		Parsed:     enriched,
		Normalized: normalized,
		TimingsMS:  timings,
		TraceID:    uuid.NewString(),
	}, nil
}

// recognize runs best-of OCR over the variants, then consults the
// fallback gate for a vision second opinion. Vision failures never fail
// a run that has a usable primary read.
func (r *Runner) recognize(ctx context.Context, img *intake.Image, variants []preprocess.Variant, timings map[string]int64) (deck.RawOCR, error) {
	var ocrStart = time.Now()
	raw, primaryErr := ocr.BestOf(ctx, r.Provider, variants,
		r.Config.MinSpanConfidence, r.Config.EarlyStopConfidence)
	timings["ocr"] = time.Since(ocrStart).Milliseconds()
	stageSeconds.WithLabelValues("ocr").Observe(time.Since(ocrStart).Seconds())

	if r.Vision == nil || r.Gate == nil {
		return raw, primaryErr
	}

	var wantFallback bool
	if primaryErr != nil {
		wantFallback = r.Gate.ShouldFallback(0, 0, img.Width, img.Height)
	} else {
		var quantityLines = fallbackgate.CountQuantityLines(raw.Spans)
		wantFallback = r.Gate.ShouldFallback(raw.MeanConf, quantityLines, img.Width, img.Height)
	}
	r.Gate.RecordRequest(wantFallback)
	if !wantFallback {
		return raw, primaryErr
	}

	var visionStart = time.Now()
	visionRaw, visionErr := r.Vision.Vision(ctx, img.Decoded)
	timings["vision"] = time.Since(visionStart).Milliseconds()
	stageSeconds.WithLabelValues("vision").Observe(time.Since(visionStart).Seconds())

	if visionErr != nil {
		r.Gate.RecordFailure(visionErr)
		log.WithFields(log.Fields{"err": visionErr}).
			Warn("vision fallback failed; keeping primary result")
		return raw, primaryErr
	}
	r.Gate.RecordSuccess()

	if primaryErr != nil || ocr.Score(visionRaw) > ocr.Score(raw) {
		log.WithFields(log.Fields{
			"primary_conf": raw.MeanConf,
			"vision_conf":  visionRaw.MeanConf,
		}).Info("vision fallback result adopted")
		return visionRaw, nil
	}
	return raw, nil
}

func timed[T any](stage string, fn func() T) (T, int64) {
	var start = time.Now()
	var out = fn()
	var d = time.Since(start)
	stageSeconds.WithLabelValues(stage).Observe(d.Seconds())
	return out, d.Milliseconds()
}
