// Package fallbackgate decides when a primary OCR result is weak
// enough to spend a Vision model call on, and breaks the circuit when
// the model itself is failing.
package fallbackgate

import (
	"regexp"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/deckocr/deckd/internal/deck"
)

// State is the circuit position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	maxConfThreshold  = 0.95
	maxLinesThreshold = 20

	confStep  = 0.05
	linesStep = 2
)

// The band table is anchored on the hd baseline; a configured baseline
// shifts every band by its distance from these values.
const (
	baselineConf  = 0.62
	baselineLines = 10
)

// Band is a resolution band with its baseline thresholds.
type Band struct {
	Name      string
	MaxPixels int
	MinConf   float64
	MinLines  int
}

// bands are ordered low to high; the first band whose pixel ceiling
// covers the image wins.
var bands = []Band{
	{Name: "low", MaxPixels: 921_600, MinConf: 0.55, MinLines: 8},
	{Name: "hd", MaxPixels: 2_073_600, MinConf: 0.62, MinLines: 10},
	{Name: "fullhd", MaxPixels: 3_686_400, MinConf: 0.68, MinLines: 12},
	{Name: "4k", MaxPixels: 0, MinConf: 0.72, MinLines: 15},
}

// BandFor maps image dimensions onto a resolution band.
func BandFor(width, height int) Band {
	var pixels = width * height
	for _, b := range bands {
		if b.MaxPixels > 0 && pixels <= b.MaxPixels {
			return b
		}
	}
	return bands[len(bands)-1]
}

// reQuantityLine matches a deck-list quantity prefix, the signal that
// a span is a card line rather than interface chrome.
var reQuantityLine = regexp.MustCompile(`(?i)^\s*\d{1,3}x?\s+\S+`)

// CountQuantityLines counts spans carrying a quantity prefix.
func CountQuantityLines(spans []deck.OCRSpan) int {
	var n int
	for _, s := range spans {
		if reQuantityLine.MatchString(s.Text) {
			n++
		}
	}
	return n
}

var (
	fallbackDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deckd_vision_fallback_decisions_total",
		Help: "Fallback gate decisions by outcome.",
	}, []string{"outcome"})
	visionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deckd_vision_calls_total",
		Help: "Vision model call outcomes.",
	}, []string{"outcome"})
)

// Config carries the gate's tunables. MinConfidence and MinLines set
// the hd-band baseline; the other bands keep their relative spacing.
type Config struct {
	Enabled          bool
	MinConfidence    float64
	MinLines         int
	FailureThreshold int
	RecoveryTimeout  time.Duration
	MonitoringWindow time.Duration
	MaxFallbackRate  float64
}

// Adjustment records one threshold tightening.
type Adjustment struct {
	At       time.Time `json:"at"`
	MinConf  float64   `json:"min_conf"`
	MinLines int       `json:"min_lines"`
}

// Gate is the fallback decision state machine. All methods are safe
// for concurrent use.
type Gate struct {
	cfg Config
	now func() time.Time

	mu               sync.Mutex
	state            State
	failureCount     int
	openedAt         time.Time
	history          []historyEntry
	totalRequests    int
	fallbackRequests int
	confDelta        float64
	linesDelta       int
	adjustments      []Adjustment
}

type historyEntry struct {
	at       time.Time
	fallback bool
}

// New builds a Gate with the configured policy.
func New(cfg Config) *Gate {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = baselineConf
	}
	if cfg.MinLines <= 0 {
		cfg.MinLines = baselineLines
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = time.Minute
	}
	if cfg.MonitoringWindow <= 0 {
		cfg.MonitoringWindow = 15 * time.Minute
	}
	if cfg.MaxFallbackRate <= 0 {
		cfg.MaxFallbackRate = 0.15
	}
	return &Gate{cfg: cfg, now: time.Now, state: StateClosed}
}

// ShouldFallback reports whether the Vision fallback should run for an
// OCR result with the given confidence, quantity-line count, and
// source resolution.
func (g *Gate) ShouldFallback(meanConf float64, quantityLines, width, height int) bool {
	if !g.cfg.Enabled {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateOpen {
		if g.now().Sub(g.openedAt) >= g.cfg.RecoveryTimeout {
			g.state = StateHalfOpen
			log.Info("vision fallback circuit entering half-open state")
		} else {
			fallbackDecisions.WithLabelValues("denied_open").Inc()
			return false
		}
	}

	if rate := g.rateLocked(); rate > g.cfg.MaxFallbackRate {
		g.tightenLocked(rate)
		fallbackDecisions.WithLabelValues("denied_rate").Inc()
		return false
	}

	var band = BandFor(width, height)
	var minConf, minLines = g.currentLocked(band)

	if meanConf < minConf || quantityLines < minLines {
		fallbackDecisions.WithLabelValues("permitted").Inc()
		return true
	}
	fallbackDecisions.WithLabelValues("not_needed").Inc()
	return false
}

// RecordRequest records one pipeline OCR request and whether it used
// the fallback, feeding the sliding-window rate.
func (g *Gate) RecordRequest(usedFallback bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var now = g.now()
	g.history = append(g.history, historyEntry{at: now, fallback: usedFallback})
	g.totalRequests++
	if usedFallback {
		g.fallbackRequests++
	}

	var cutoff = now.Add(-g.cfg.MonitoringWindow)
	var kept = g.history[:0]
	for _, h := range g.history {
		if h.at.After(cutoff) {
			kept = append(kept, h)
		}
	}
	g.history = kept
}

// RecordSuccess records a successful Vision call, closing a half-open
// circuit.
func (g *Gate) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	visionOutcomes.WithLabelValues("success").Inc()
	if g.state == StateHalfOpen {
		g.state = StateClosed
		g.failureCount = 0
		log.Info("vision fallback circuit closed after successful probe")
	}
}

// RecordFailure records a Vision failure. A half-open circuit reopens
// immediately; a closed one opens at the failure threshold.
func (g *Gate) RecordFailure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failureCount++
	visionOutcomes.WithLabelValues("error").Inc()
	log.WithFields(log.Fields{
		"failures":  g.failureCount,
		"threshold": g.cfg.FailureThreshold,
		"err":       err,
	}).Error("vision model call failed")

	if g.state == StateHalfOpen || g.failureCount >= g.cfg.FailureThreshold {
		if g.state != StateOpen {
			g.state = StateOpen
			g.openedAt = g.now()
			log.Warn("vision fallback circuit opened")
		}
	}
}

// Status is the introspection view of the gate.
type Status struct {
	State            State        `json:"state"`
	FailureCount     int          `json:"failure_count"`
	FallbackRate     float64      `json:"fallback_rate"`
	TotalRequests    int          `json:"total_requests"`
	FallbackRequests int          `json:"fallback_requests"`
	MinConf          float64      `json:"min_conf"`
	MinLines         int          `json:"min_lines"`
	Adjustments      []Adjustment `json:"adjustments,omitempty"`
}

// Status reports the gate state with hd-band effective thresholds.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	var minConf, minLines = g.currentLocked(bands[1])
	return Status{
		State:            g.state,
		FailureCount:     g.failureCount,
		FallbackRate:     g.rateLocked(),
		TotalRequests:    g.totalRequests,
		FallbackRequests: g.fallbackRequests,
		MinConf:          minConf,
		MinLines:         minLines,
		Adjustments:      append([]Adjustment(nil), g.adjustments...),
	}
}

// Reset returns the gate to its initial state.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = StateClosed
	g.failureCount = 0
	g.openedAt = time.Time{}
	g.history = nil
	g.totalRequests = 0
	g.fallbackRequests = 0
	g.confDelta = 0
	g.linesDelta = 0
	g.adjustments = nil
	log.Info("vision fallback circuit reset")
}

func (g *Gate) rateLocked() float64 {
	if len(g.history) == 0 {
		return 0
	}
	var n int
	for _, h := range g.history {
		if h.fallback {
			n++
		}
	}
	return float64(n) / float64(len(g.history))
}

// currentLocked applies the configured baseline shift and accumulated
// tightening to a band.
func (g *Gate) currentLocked(b Band) (float64, int) {
	var conf = b.MinConf + (g.cfg.MinConfidence - baselineConf) + g.confDelta
	if conf > maxConfThreshold {
		conf = maxConfThreshold
	}
	var lines = b.MinLines + (g.cfg.MinLines - baselineLines) + g.linesDelta
	if lines > maxLinesThreshold {
		lines = maxLinesThreshold
	}
	if lines < 0 {
		lines = 0
	}
	return conf, lines
}

func (g *Gate) tightenLocked(rate float64) {
	g.confDelta += confStep
	g.linesDelta += linesStep

	var minConf, minLines = g.currentLocked(bands[1])
	g.adjustments = append(g.adjustments, Adjustment{
		At:       g.now(),
		MinConf:  minConf,
		MinLines: minLines,
	})
	log.WithFields(log.Fields{
		"rate":      rate,
		"min_conf":  minConf,
		"min_lines": minLines,
	}).Warn("fallback rate over ceiling; tightened thresholds")
}
