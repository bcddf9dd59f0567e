// Package ocr abstracts the text recognition engines behind a small
// provider interface and implements variant selection over them.
package ocr

import (
	"context"
	"image"

	log "github.com/sirupsen/logrus"

	"github.com/deckocr/deckd/internal/deck"
	"github.com/deckocr/deckd/internal/errkind"
	"github.com/deckocr/deckd/internal/preprocess"
)

// Provider recognizes text spans in a single image. Implementations
// are deterministic for a given image and configuration.
type Provider interface {
	Recognize(ctx context.Context, img image.Image) (deck.RawOCR, error)
}

// VisionProvider invokes an external generalist vision model. Errors
// are transport or model failures; a low-quality read is a success
// with poor spans.
type VisionProvider interface {
	Vision(ctx context.Context, img image.Image) (deck.RawOCR, error)
}

// earlyStopSpanFloor is the span count below which a confident read is
// still not trusted to end the variant sweep.
const earlyStopSpanFloor = 20

// BestOf runs the provider over each variant in order and keeps the
// highest-scoring result, stopping early on a confident, span-rich
// read. Spans under |minSpanConf| are dropped before scoring.
func BestOf(ctx context.Context, p Provider, variants []preprocess.Variant, minSpanConf, earlyStopConf float64) (deck.RawOCR, error) {
	var best deck.RawOCR
	var bestScore = -1.0
	var lastErr error

	for _, v := range variants {
		if err := ctx.Err(); err != nil {
			return best, err
		}

		raw, err := p.Recognize(ctx, v.Image)
		if err != nil {
			log.WithFields(log.Fields{"variant": v.Name, "err": err}).
				Warn("variant recognition failed")
			lastErr = err
			continue
		}
		raw = filterSpans(raw, minSpanConf)

		var score = Score(raw)
		log.WithFields(log.Fields{
			"variant": v.Name,
			"spans":   len(raw.Spans),
			"conf":    raw.MeanConf,
			"score":   score,
		}).Debug("scored variant")

		if score > bestScore {
			best, bestScore = raw, score
		}
		if best.MeanConf >= earlyStopConf && len(best.Spans) >= earlyStopSpanFloor {
			break
		}
	}

	if bestScore < 0 {
		return deck.RawOCR{}, errkind.Wrap(errkind.OCRError, "all variants failed recognition", lastErr)
	}
	return best, nil
}

// Score ranks a recognition result: span count dominates, confidence
// tiebreaks.
func Score(raw deck.RawOCR) float64 {
	return 0.6*float64(len(raw.Spans)) + 40*raw.MeanConf
}

// filterSpans drops spans below the confidence floor and recomputes
// the mean over what remains.
func filterSpans(raw deck.RawOCR, minConf float64) deck.RawOCR {
	var kept = make([]deck.OCRSpan, 0, len(raw.Spans))
	var sum float64
	for _, s := range raw.Spans {
		if s.Conf >= minConf {
			kept = append(kept, s)
			sum += s.Conf
		}
	}
	var out = deck.RawOCR{Spans: kept}
	if len(kept) > 0 {
		out.MeanConf = sum / float64(len(kept))
	}
	return out
}
