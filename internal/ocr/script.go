package ocr

import (
	"context"
	"image"
	"sync"

	"github.com/deckocr/deckd/internal/deck"
)

// Scripted replays a fixed sequence of recognition outcomes. It backs
// tests and the engine-less development mode; a given script always
// replays identically.
type Scripted struct {
	mu      sync.Mutex
	results []ScriptStep
	next    int
	calls   int

	VisionResult deck.RawOCR
	VisionErr    error
	VisionCalls  int
}

// ScriptStep is one scripted recognition outcome.
type ScriptStep struct {
	Raw deck.RawOCR
	Err error
}

// NewScripted builds a provider that replays |steps| in order. Once
// exhausted it repeats the final step.
func NewScripted(steps ...ScriptStep) *Scripted {
	return &Scripted{results: steps}
}

// Recognize returns the next scripted step.
func (s *Scripted) Recognize(ctx context.Context, _ image.Image) (deck.RawOCR, error) {
	if err := ctx.Err(); err != nil {
		return deck.RawOCR{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if len(s.results) == 0 {
		return deck.RawOCR{}, nil
	}
	var step = s.results[s.next]
	if s.next < len(s.results)-1 {
		s.next++
	}
	return step.Raw, step.Err
}

// Vision returns the scripted vision outcome.
func (s *Scripted) Vision(ctx context.Context, _ image.Image) (deck.RawOCR, error) {
	if err := ctx.Err(); err != nil {
		return deck.RawOCR{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.VisionCalls++
	return s.VisionResult, s.VisionErr
}

// Calls reports how many recognition steps have been consumed.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
