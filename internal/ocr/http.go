package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"

	"github.com/deckocr/deckd/internal/deck"
	"github.com/deckocr/deckd/internal/errkind"
)

// HTTPProvider drives an OCR engine sidecar over HTTP. The sidecar
// accepts a PNG body and answers with the recognized spans.
type HTTPProvider struct {
	Endpoint  string
	Languages []string
	Client    *http.Client
}

type sidecarResponse struct {
	Spans []struct {
		Text string  `json:"text"`
		Conf float64 `json:"conf"`
	} `json:"spans"`
	MeanConf float64 `json:"mean_conf"`
}

// Recognize posts the image to the engine sidecar.
func (p *HTTPProvider) Recognize(ctx context.Context, img image.Image) (deck.RawOCR, error) {
	var body bytes.Buffer
	if err := png.Encode(&body, img); err != nil {
		return deck.RawOCR{}, fmt.Errorf("encoding variant for recognition: %w", err)
	}

	var u = p.Endpoint + "/recognize"
	if len(p.Languages) > 0 {
		var q = ""
		for i, lang := range p.Languages {
			if i > 0 {
				q += ","
			}
			q += lang
		}
		u += "?languages=" + q
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return deck.RawOCR{}, err
	}
	req.Header.Set("Content-Type", "image/png")

	var client = p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return deck.RawOCR{}, errkind.Wrap(errkind.OCRError, "engine sidecar unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return deck.RawOCR{}, errkind.New(errkind.OCRError,
			fmt.Sprintf("engine sidecar returned status %d", resp.StatusCode))
	}

	var decoded sidecarResponse
	if err = json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return deck.RawOCR{}, errkind.Wrap(errkind.OCRError, "malformed sidecar response", err)
	}

	var raw deck.RawOCR
	for _, s := range decoded.Spans {
		raw.Spans = append(raw.Spans, deck.OCRSpan{Text: s.Text, Conf: s.Conf})
	}
	raw.MeanConf = decoded.MeanConf
	return raw, nil
}

// VisionHTTP drives the external vision model endpoint. Failures are
// classified ExternalServiceError so the fallback gate can count them.
type VisionHTTP struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

// Vision submits the image for a model-based read.
func (v *VisionHTTP) Vision(ctx context.Context, img image.Image) (deck.RawOCR, error) {
	var body bytes.Buffer
	if err := png.Encode(&body, img); err != nil {
		return deck.RawOCR{}, fmt.Errorf("encoding image for vision model: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.Endpoint+"/v1/read", &body)
	if err != nil {
		return deck.RawOCR{}, err
	}
	req.Header.Set("Content-Type", "image/png")
	if v.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.APIKey)
	}

	var client = v.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return deck.RawOCR{}, errkind.Wrap(errkind.ExternalServiceError, "vision model unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return deck.RawOCR{}, errkind.New(errkind.ExternalServiceError,
			fmt.Sprintf("vision model returned status %d", resp.StatusCode))
	}

	var decoded sidecarResponse
	if err = json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return deck.RawOCR{}, errkind.Wrap(errkind.ExternalServiceError, "malformed vision response", err)
	}

	var raw deck.RawOCR
	for _, s := range decoded.Spans {
		raw.Spans = append(raw.Spans, deck.OCRSpan{Text: s.Text, Conf: s.Conf})
	}
	raw.MeanConf = decoded.MeanConf
	return raw, nil
}
