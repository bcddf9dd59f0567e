package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/deckocr/deckd/internal/errkind"
)

// DefaultRemoteBaseURL is the public catalogue API.
const DefaultRemoteBaseURL = "https://api.scryfall.com"

// Remote is the online catalogue client. All calls pass through a
// minimum-interval gate and a circuit breaker, so a flapping upstream
// degrades to offline-only resolution instead of stalling pipelines.
type Remote struct {
	http    *http.Client
	baseURL string
	breaker *gobreaker.CircuitBreaker

	mu          sync.Mutex
	lastCall    time.Time
	minInterval time.Duration
}

// NewRemote builds a Remote against |baseURL| (the default when
// empty), with a per-request timeout and the minimum interval enforced
// between consecutive calls.
func NewRemote(baseURL string, timeout, minInterval time.Duration) *Remote {
	if baseURL == "" {
		baseURL = DefaultRemoteBaseURL
	}
	var breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-catalogue",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("remote catalogue breaker state changed")
		},
	})
	return &Remote{
		http:        &http.Client{Timeout: timeout},
		baseURL:     baseURL,
		breaker:     breaker,
		minInterval: minInterval,
	}
}

// namedResponse is the subset of a named-card response the resolver
// consumes.
type namedResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Layout    string `json:"layout"`
	CardFaces []struct {
		Name string `json:"name"`
	} `json:"card_faces"`
}

// NamedFuzzy resolves |name| through the remote fuzzy endpoint.
func (r *Remote) NamedFuzzy(ctx context.Context, name string) (*Card, error) {
	var out namedResponse
	var err = r.get(ctx, "/cards/named", url.Values{"fuzzy": {name}}, &out)
	if err != nil {
		return nil, err
	}
	var card = &Card{ID: out.ID, Name: out.Name, Lang: "en", Layout: out.Layout}
	for _, f := range out.CardFaces {
		card.Faces = append(card.Faces, f.Name)
	}
	return card, nil
}

// Autocomplete returns up to |limit| name suggestions for |q|.
func (r *Remote) Autocomplete(ctx context.Context, q string, limit int) ([]string, error) {
	var out struct {
		Data []string `json:"data"`
	}
	var err = r.get(ctx, "/cards/autocomplete",
		url.Values{"q": {q}, "include_extras": {"false"}}, &out)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out.Data) > limit {
		out.Data = out.Data[:limit]
	}
	return out.Data, nil
}

func (r *Remote) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if err := r.waitTurn(ctx); err != nil {
		return err
	}

	var _, err = r.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			r.baseURL+path+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := r.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, errkind.New(errkind.NotFound, "no remote catalogue match")
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("remote catalogue returned status %d", resp.StatusCode)
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errkind.Wrap(errkind.CircuitOpen, "remote catalogue unavailable", err)
	}
	return err
}

// waitTurn blocks until the minimum interval since the previous call
// has elapsed, or the context is done.
func (r *Remote) waitTurn(ctx context.Context) error {
	r.mu.Lock()
	var wait = r.minInterval - time.Since(r.lastCall)
	if wait < 0 {
		wait = 0
	}
	r.lastCall = time.Now().Add(wait)
	r.mu.Unlock()

	if wait == 0 {
		return ctx.Err()
	}
	var timer = time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
