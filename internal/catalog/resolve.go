package catalog

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Source names the ladder rung that produced a resolution.
type Source string

const (
	SourceExact        Source = "exact"
	SourceOfflineFuzzy Source = "offline_fuzzy"
	SourceOnlineFuzzy  Source = "online_fuzzy"
	SourceAutocomplete Source = "autocomplete"
	SourceRaw          Source = "raw"
)

// Candidate is one ranked alternative surfaced with a resolution.
type Candidate struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
	ID    string  `json:"id,omitempty"`
}

// Resolution is the outcome of resolving one raw OCR name.
type Resolution struct {
	Name       string      `json:"name"`
	ID         string      `json:"id,omitempty"`
	Source     Source      `json:"source"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

// Resolver runs the resolution ladder: exact, offline fuzzy, online
// fuzzy, autocomplete, raw. The first conclusive rung wins.
type Resolver struct {
	store  *Store
	remote *Remote // nil disables the online rungs
	topK   int
}

// NewResolver builds a Resolver. Pass a nil |remote| for offline-only
// operation.
func NewResolver(store *Store, remote *Remote, topK int) *Resolver {
	if topK <= 0 {
		topK = 5
	}
	return &Resolver{store: store, remote: remote, topK: topK}
}

// FuzzyResolve maps |rawName| to its canonical catalogue record.
// Resolution never fails outright: when every rung is inconclusive the
// raw name passes through unchanged.
func (r *Resolver) FuzzyResolve(ctx context.Context, rawName string) Resolution {
	if matches := r.store.LookupExact(rawName, true); len(matches) > 0 {
		return Resolution{
			Name:   matches[0].DisplayName(),
			ID:     matches[0].ID,
			Source: SourceExact,
		}
	}

	if res, ok := r.offlineFuzzy(rawName); ok {
		return res
	}

	if r.remote != nil {
		if card, err := r.remote.NamedFuzzy(ctx, rawName); err == nil && card.Name != "" {
			return Resolution{Name: card.DisplayName(), ID: card.ID, Source: SourceOnlineFuzzy}
		} else if err != nil {
			log.WithFields(log.Fields{"name": rawName, "err": err}).
				Debug("online fuzzy resolution failed")
		}

		if suggestions, err := r.remote.Autocomplete(ctx, rawName, r.topK); err == nil && len(suggestions) > 0 {
			var cands = make([]Candidate, 0, len(suggestions))
			for _, name := range suggestions {
				var cand = Candidate{Name: name}
				if matches := r.store.LookupExact(name, true); len(matches) > 0 {
					cand.ID = matches[0].ID
				}
				cands = append(cands, cand)
			}
			return Resolution{
				Name:       cands[0].Name,
				ID:         cands[0].ID,
				Source:     SourceAutocomplete,
				Candidates: cands,
			}
		}
	}

	return Resolution{Name: rawName, Source: SourceRaw}
}

func (r *Resolver) offlineFuzzy(rawName string) (Resolution, bool) {
	var corpus = r.store.AllNormalizedNames()
	if len(corpus) == 0 {
		return Resolution{}, false
	}

	var ranked = ScoreCandidates(rawName, corpus, r.topK)
	if len(ranked) == 0 || ranked[0].Score < OfflineFuzzyThreshold {
		return Resolution{}, false
	}

	var cands = make([]Candidate, 0, len(ranked))
	for _, sc := range ranked {
		var cand = Candidate{Score: sc.Score, Name: sc.Name}
		if matches := r.store.lookupNormalized(sc.Name); len(matches) > 0 {
			cand.Name = matches[0].DisplayName()
			cand.ID = matches[0].ID
		}
		cands = append(cands, cand)
	}

	var best = r.store.lookupNormalized(ranked[0].Name)
	if len(best) == 0 {
		return Resolution{}, false
	}
	return Resolution{
		Name:       best[0].DisplayName(),
		ID:         best[0].ID,
		Source:     SourceOfflineFuzzy,
		Candidates: cands,
	}, true
}
