package ocr

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deckocr/deckd/internal/deck"
	"github.com/deckocr/deckd/internal/errkind"
	"github.com/deckocr/deckd/internal/preprocess"
)

func spansOf(conf float64, texts ...string) deck.RawOCR {
	var raw deck.RawOCR
	for _, t := range texts {
		raw.Spans = append(raw.Spans, deck.OCRSpan{Text: t, Conf: conf})
	}
	raw.MeanConf = conf
	return raw
}

func manySpans(n int, conf float64) deck.RawOCR {
	var raw deck.RawOCR
	for i := 0; i < n; i++ {
		raw.Spans = append(raw.Spans, deck.OCRSpan{Text: "4 Card", Conf: conf})
	}
	raw.MeanConf = conf
	return raw
}

func variants(n int) []preprocess.Variant {
	var img = image.NewGray(image.Rect(0, 0, 8, 8))
	var out []preprocess.Variant
	for i := 0; i < n; i++ {
		out = append(out, preprocess.Variant{Name: "v", Image: img})
	}
	return out
}

func TestBestOfKeepsHighestScore(t *testing.T) {
	var p = NewScripted(
		ScriptStep{Raw: spansOf(0.70, "4 Opt", "2 Island")},
		ScriptStep{Raw: spansOf(0.80, "4 Opt", "2 Island", "3 Shock")},
		ScriptStep{Raw: spansOf(0.60, "4 Opt")},
	)

	best, err := BestOf(context.Background(), p, variants(3), 0.3, 0.99)
	require.NoError(t, err)
	require.Len(t, best.Spans, 3)
	require.InDelta(t, 0.80, best.MeanConf, 1e-9)
	require.Equal(t, 3, p.Calls())
}

func TestBestOfEarlyStopNeedsConfidenceAndSpans(t *testing.T) {
	// Confident but span-poor: no early stop.
	var p = NewScripted(
		ScriptStep{Raw: spansOf(0.95, "4 Opt")},
		ScriptStep{Raw: spansOf(0.50, "2 Island")},
	)
	_, err := BestOf(context.Background(), p, variants(2), 0.3, 0.85)
	require.NoError(t, err)
	require.Equal(t, 2, p.Calls())

	// Confident and span-rich: sweep ends after the first variant.
	p = NewScripted(ScriptStep{Raw: manySpans(25, 0.92)})
	best, err := BestOf(context.Background(), p, variants(4), 0.3, 0.85)
	require.NoError(t, err)
	require.Len(t, best.Spans, 25)
	require.Equal(t, 1, p.Calls())
}

func TestBestOfFiltersLowConfidenceSpans(t *testing.T) {
	var raw = deck.RawOCR{
		Spans: []deck.OCRSpan{
			{Text: "4 Opt", Conf: 0.9},
			{Text: "noise", Conf: 0.1},
			{Text: "2 Island", Conf: 0.8},
		},
		MeanConf: 0.6,
	}
	var p = NewScripted(ScriptStep{Raw: raw})

	best, err := BestOf(context.Background(), p, variants(1), 0.62, 0.99)
	require.NoError(t, err)
	require.Len(t, best.Spans, 2)
	require.InDelta(t, 0.85, best.MeanConf, 1e-9)
}

func TestBestOfSkipsFailingVariants(t *testing.T) {
	var p = NewScripted(
		ScriptStep{Err: errkind.New(errkind.OCRError, "engine crashed")},
		ScriptStep{Raw: spansOf(0.75, "4 Opt", "2 Island")},
	)

	best, err := BestOf(context.Background(), p, variants(2), 0.3, 0.99)
	require.NoError(t, err)
	require.Len(t, best.Spans, 2)
}

func TestBestOfAllVariantsFail(t *testing.T) {
	var p = NewScripted(ScriptStep{Err: errkind.New(errkind.OCRError, "engine crashed")})

	_, err := BestOf(context.Background(), p, variants(3), 0.3, 0.99)
	require.Error(t, err)
	require.Equal(t, errkind.OCRError, errkind.KindOf(err))
}

func TestScriptedIsDeterministic(t *testing.T) {
	var steps = []ScriptStep{
		{Raw: spansOf(0.70, "4 Opt")},
		{Raw: spansOf(0.80, "2 Island")},
	}
	a, err := BestOf(context.Background(), NewScripted(steps...), variants(2), 0.3, 0.99)
	require.NoError(t, err)
	b, err := BestOf(context.Background(), NewScripted(steps...), variants(2), 0.3, 0.99)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestHTTPProviderRoundTrip(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/recognize", req.URL.Path)
		require.Equal(t, "en,fr", req.URL.Query().Get("languages"))
		require.Equal(t, "image/png", req.Header.Get("Content-Type"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"spans":     []map[string]interface{}{{"text": "4 Opt", "conf": 0.9}},
			"mean_conf": 0.9,
		})
	}))
	defer srv.Close()

	var p = &HTTPProvider{Endpoint: srv.URL, Languages: []string{"en", "fr"}}
	raw, err := p.Recognize(context.Background(), image.NewGray(image.Rect(0, 0, 8, 8)))
	require.NoError(t, err)
	require.Len(t, raw.Spans, 1)
	require.Equal(t, "4 Opt", raw.Spans[0].Text)
	require.InDelta(t, 0.9, raw.MeanConf, 1e-9)
}

func TestHTTPProviderErrorIsOCRError(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var p = &HTTPProvider{Endpoint: srv.URL}
	_, err := p.Recognize(context.Background(), image.NewGray(image.Rect(0, 0, 8, 8)))
	require.Error(t, err)
	require.Equal(t, errkind.OCRError, errkind.KindOf(err))
}

func TestVisionHTTPFailureIsExternalServiceError(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var v = &VisionHTTP{Endpoint: srv.URL}
	_, err := v.Vision(context.Background(), image.NewGray(image.Rect(0, 0, 8, 8)))
	require.Error(t, err)
	require.Equal(t, errkind.ExternalServiceError, errkind.KindOf(err))
}

func TestVisionHTTPSendsAuthorization(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "Bearer sekrit", req.Header.Get("Authorization"))
		require.Equal(t, "/v1/read", req.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"spans":     []map[string]interface{}{{"text": "4 Opt", "conf": 0.97}},
			"mean_conf": 0.97,
		})
	}))
	defer srv.Close()

	var v = &VisionHTTP{Endpoint: srv.URL, APIKey: "sekrit"}
	raw, err := v.Vision(context.Background(), image.NewGray(image.Rect(0, 0, 8, 8)))
	require.NoError(t, err)
	require.InDelta(t, 0.97, raw.MeanConf, 1e-9)
}
