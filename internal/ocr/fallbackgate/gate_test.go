package fallbackgate

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deckocr/deckd/internal/deck"
)

func newTestGate(cfg Config) (*Gate, *time.Time) {
	var now = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	var g = New(cfg)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestBandFor(t *testing.T) {
	var cases = []struct {
		w, h     int
		name     string
		minConf  float64
		minLines int
	}{
		{1280, 720, "low", 0.55, 8},
		{1920, 1080, "hd", 0.62, 10},
		{2560, 1440, "fullhd", 0.68, 12},
		{3840, 2160, "4k", 0.72, 15},
		{100, 100, "low", 0.55, 8},
	}
	for _, tc := range cases {
		var b = BandFor(tc.w, tc.h)
		require.Equal(t, tc.name, b.Name)
		require.Equal(t, tc.minConf, b.MinConf)
		require.Equal(t, tc.minLines, b.MinLines)
	}
}

func TestCountQuantityLines(t *testing.T) {
	var spans = []deck.OCRSpan{
		{Text: "4 Lightning Bolt"},
		{Text: "2x Counterspell"},
		{Text: "Sideboard"},
		{Text: "  3 Island"},
		{Text: "x4"},
	}
	require.Equal(t, 3, CountQuantityLines(spans))
}

func TestClosedCircuitThresholds(t *testing.T) {
	var g, _ = newTestGate(Config{Enabled: true})

	// hd band baseline: conf 0.62, lines 10.
	require.True(t, g.ShouldFallback(0.50, 15, 1920, 1080))
	require.True(t, g.ShouldFallback(0.80, 5, 1920, 1080))
	require.False(t, g.ShouldFallback(0.80, 15, 1920, 1080))

	// The low band is more permissive.
	require.False(t, g.ShouldFallback(0.60, 9, 1280, 720))
	require.True(t, g.ShouldFallback(0.50, 9, 1280, 720))
}

func TestConfiguredBaselineShiftsAllBands(t *testing.T) {
	var g, _ = newTestGate(Config{Enabled: true, MinConfidence: 0.72, MinLines: 12})

	// The hd band takes the configured baseline directly.
	require.True(t, g.ShouldFallback(0.65, 15, 1920, 1080))
	require.True(t, g.ShouldFallback(0.80, 11, 1920, 1080))
	require.False(t, g.ShouldFallback(0.80, 12, 1920, 1080))

	// Other bands keep their spacing: low becomes 0.65 conf, 10 lines.
	require.True(t, g.ShouldFallback(0.60, 15, 1280, 720))
	require.False(t, g.ShouldFallback(0.70, 10, 1280, 720))

	var st = g.Status()
	require.InDelta(t, 0.72, st.MinConf, 1e-9)
	require.Equal(t, 12, st.MinLines)
}

func TestDisabledGateNeverPermits(t *testing.T) {
	var g, _ = newTestGate(Config{Enabled: false})
	require.False(t, g.ShouldFallback(0.01, 0, 1920, 1080))
}

func TestCircuitOpensAtFailureThreshold(t *testing.T) {
	var g, _ = newTestGate(Config{Enabled: true, FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		g.RecordFailure(errors.New("model timeout"))
		require.Equal(t, StateClosed, g.Status().State)
	}
	g.RecordFailure(errors.New("model timeout"))
	require.Equal(t, StateOpen, g.Status().State)
	require.False(t, g.ShouldFallback(0.10, 1, 1920, 1080))
}

func TestRecoveryThroughHalfOpen(t *testing.T) {
	var g, now = newTestGate(Config{Enabled: true, FailureThreshold: 1, RecoveryTimeout: time.Minute})

	g.RecordFailure(errors.New("model timeout"))
	require.Equal(t, StateOpen, g.Status().State)
	require.False(t, g.ShouldFallback(0.10, 1, 1920, 1080))

	*now = now.Add(61 * time.Second)
	require.True(t, g.ShouldFallback(0.10, 1, 1920, 1080))
	require.Equal(t, StateHalfOpen, g.Status().State)

	g.RecordSuccess()
	require.Equal(t, StateClosed, g.Status().State)
	require.Zero(t, g.Status().FailureCount)
}

func TestHalfOpenFailureReopensImmediately(t *testing.T) {
	var g, now = newTestGate(Config{Enabled: true, FailureThreshold: 5, RecoveryTimeout: time.Minute})

	for i := 0; i < 5; i++ {
		g.RecordFailure(errors.New("model timeout"))
	}
	*now = now.Add(2 * time.Minute)
	require.True(t, g.ShouldFallback(0.10, 1, 1920, 1080))
	require.Equal(t, StateHalfOpen, g.Status().State)

	g.RecordFailure(errors.New("model timeout"))
	require.Equal(t, StateOpen, g.Status().State)
	require.False(t, g.ShouldFallback(0.10, 1, 1920, 1080))
}

func TestRateCeilingTightensThresholds(t *testing.T) {
	var g, _ = newTestGate(Config{Enabled: true, MaxFallbackRate: 0.15, MonitoringWindow: 15 * time.Minute})

	// 4 fallbacks over 10 requests: 40% rate, over the ceiling.
	for i := 0; i < 10; i++ {
		g.RecordRequest(i < 4)
	}

	// The over-ceiling check both denies and tightens.
	require.False(t, g.ShouldFallback(0.10, 1, 1920, 1080))

	var st = g.Status()
	require.InDelta(t, 0.67, st.MinConf, 1e-9)
	require.Equal(t, 12, st.MinLines)
	require.Len(t, st.Adjustments, 1)
	require.InDelta(t, 0.4, st.FallbackRate, 1e-9)
}

func TestTighteningIsCapped(t *testing.T) {
	var g, _ = newTestGate(Config{Enabled: true, MaxFallbackRate: 0.15})

	for i := 0; i < 10; i++ {
		g.RecordRequest(true)
	}
	for i := 0; i < 20; i++ {
		g.ShouldFallback(0.10, 1, 1920, 1080)
	}

	var st = g.Status()
	require.Equal(t, 0.95, st.MinConf)
	require.Equal(t, 20, st.MinLines)
}

func TestSlidingWindowForgetsOldRequests(t *testing.T) {
	var g, now = newTestGate(Config{Enabled: true, MonitoringWindow: 15 * time.Minute})

	for i := 0; i < 4; i++ {
		g.RecordRequest(true)
	}
	require.InDelta(t, 1.0, g.Status().FallbackRate, 1e-9)

	*now = now.Add(16 * time.Minute)
	g.RecordRequest(false)
	require.InDelta(t, 0.0, g.Status().FallbackRate, 1e-9)
	require.Equal(t, 5, g.Status().TotalRequests)
}

func TestResetRestoresBaseline(t *testing.T) {
	var g, _ = newTestGate(Config{Enabled: true, FailureThreshold: 1, MaxFallbackRate: 0.15})

	g.RecordFailure(errors.New("model timeout"))
	for i := 0; i < 10; i++ {
		g.RecordRequest(true)
	}
	g.Reset()

	var st = g.Status()
	require.Equal(t, StateClosed, st.State)
	require.Zero(t, st.FailureCount)
	require.Zero(t, st.TotalRequests)
	require.InDelta(t, 0.62, st.MinConf, 1e-9)
	require.Equal(t, 10, st.MinLines)
	require.True(t, g.ShouldFallback(0.10, 1, 1920, 1080))
}
