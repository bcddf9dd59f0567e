// Package resolve maps parsed deck entries onto canonical catalogue
// names, caching the fuzzy and verification lookups.
package resolve

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/deckocr/deckd/internal/cache"
	"github.com/deckocr/deckd/internal/catalog"
	"github.com/deckocr/deckd/internal/deck"
)

const (
	fuzzyTTL  = 2 * time.Hour
	verifyTTL = 24 * time.Hour
)

// Resolver enriches parsed entries with canonical names and ranked
// candidates.
type Resolver struct {
	catalog *catalog.Resolver
	cache   *cache.Cache

	// AlwaysVerify forces the full catalogue resolve per entry in
	// addition to the cached fuzzy pass.
	AlwaysVerify bool
}

// New builds a Resolver over the catalogue ladder and the shared cache.
func New(cat *catalog.Resolver, c *cache.Cache, alwaysVerify bool) *Resolver {
	return &Resolver{catalog: cat, cache: c, AlwaysVerify: alwaysVerify}
}

// Sections resolves every entry of both deck sections, returning the
// parsed sections enriched with merged candidates and the normalized
// deck under canonical names.
func (r *Resolver) Sections(ctx context.Context, parsed deck.Sections) (deck.Sections, deck.Normalized) {
	var enriched deck.Sections
	var normalized deck.Normalized
	enriched.Main, normalized.Main = r.entries(ctx, parsed.Main)
	enriched.Side, normalized.Side = r.entries(ctx, parsed.Side)
	return enriched, normalized
}

func (r *Resolver) entries(ctx context.Context, in []deck.Entry) ([]deck.Entry, []deck.NormalizedCard) {
	var entries = make([]deck.Entry, 0, len(in))
	var cards = make([]deck.NormalizedCard, 0, len(in))
	for _, e := range in {
		entry, card := r.entry(ctx, e)
		entries = append(entries, entry)
		cards = append(cards, card)
	}
	return entries, cards
}

// entry resolves one parsed line: a cached fuzzy pass, an optional
// verification pass, and a candidate merge, with the canonical name
// replacing the raw one.
func (r *Resolver) entry(ctx context.Context, e deck.Entry) (deck.Entry, deck.NormalizedCard) {
	var local = r.cachedFuzzy(ctx, e.Name)

	var merged = local.Candidates
	var name, id = local.Name, local.ID

	if r.AlwaysVerify {
		var verified = r.cachedVerify(ctx, e.Name)
		if verified.Source != catalog.SourceRaw {
			name, id = verified.Name, verified.ID
		}
		merged = mergeCandidates(local.Candidates, verified.Candidates)
	}

	if name == e.Name && local.Source == catalog.SourceRaw {
		log.WithFields(log.Fields{"name": e.Name}).Debug("entry left unresolved")
	}

	e.Candidates = toDeckCandidates(merged)
	return e, deck.NormalizedCard{Qty: e.Qty, Name: name, CatalogueID: id}
}

// cachedFuzzy memoizes fuzzy_resolve by lowercased-normalized name.
func (r *Resolver) cachedFuzzy(ctx context.Context, raw string) catalog.Resolution {
	var sub = strings.ToLower(catalog.NormalizeName(raw))
	var key = cache.Key(cache.LayerFuzzy, sub)

	if blob, ok := r.cache.Get(ctx, key); ok {
		var res catalog.Resolution
		if err := json.Unmarshal(blob, &res); err == nil {
			return res
		}
	}

	var res = r.catalog.FuzzyResolve(ctx, raw)
	if blob, err := json.Marshal(res); err == nil {
		r.cache.Set(ctx, key, blob, fuzzyTTL)
	}
	return res
}

// cachedVerify memoizes the verification resolve by hashed normalized
// name in the long-lived layer.
func (r *Resolver) cachedVerify(ctx context.Context, raw string) catalog.Resolution {
	var sub = cache.SubKeyDigest(catalog.NormalizeName(raw))
	var key = cache.Key(cache.LayerScryfall, sub)

	if blob, ok := r.cache.Get(ctx, key); ok {
		var res catalog.Resolution
		if err := json.Unmarshal(blob, &res); err == nil {
			return res
		}
	}

	var res = r.catalog.FuzzyResolve(ctx, raw)
	if blob, err := json.Marshal(res); err == nil {
		r.cache.Set(ctx, key, blob, verifyTTL)
	}
	return res
}

// mergeCandidates joins two ranked lists, first occurrence winning the
// position and duplicates collapsing on canonical name.
func mergeCandidates(local, remote []catalog.Candidate) []catalog.Candidate {
	var seen = make(map[string]bool, len(local)+len(remote))
	var out = make([]catalog.Candidate, 0, len(local)+len(remote))
	for _, c := range append(append([]catalog.Candidate(nil), local...), remote...) {
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		out = append(out, c)
	}
	return out
}

func toDeckCandidates(in []catalog.Candidate) []deck.Candidate {
	if len(in) == 0 {
		return nil
	}
	var out = make([]deck.Candidate, 0, len(in))
	for _, c := range in {
		out = append(out, deck.Candidate{Name: c.Name, Score: c.Score, CatalogueID: c.ID})
	}
	return out
}
