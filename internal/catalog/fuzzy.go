package catalog

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// OfflineFuzzyThreshold is the minimum blended score at which an
// offline fuzzy match is conclusive.
const OfflineFuzzyThreshold = 85.0

// Scored is one ranked corpus candidate.
type Scored struct {
	Name  string
	Score float64
}

// BlendScore ranks a candidate against a query over already-normalized
// names. The blend weighs edit similarity most heavily, token order
// lightly, and phonetic agreement as a tiebreaker.
func BlendScore(queryNorm, candidateNorm string) float64 {
	var phonetic float64
	if qm := metaphoneHead(queryNorm); qm != "" && qm == metaphoneHead(candidateNorm) {
		phonetic = 100
	}
	return 0.60*weightedRatio(queryNorm, candidateNorm) +
		0.35*tokenSortRatio(queryNorm, candidateNorm) +
		0.05*phonetic
}

// ScoreCandidates ranks the corpus against |name| and returns the top
// |limit| candidates in descending score order. Ties break on name so
// rankings are deterministic.
func ScoreCandidates(name string, corpus []string, limit int) []Scored {
	var q = NormalizeName(name)
	var scored = make([]Scored, 0, len(corpus))
	for _, cand := range corpus {
		scored = append(scored, Scored{Name: cand, Score: BlendScore(q, cand)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Name < scored[j].Name
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// simpleRatio is edit similarity on a 0..100 scale.
func simpleRatio(a, b string) float64 {
	if a == b {
		return 100
	}
	var la, lb = len([]rune(a)), len([]rune(b))
	var longest = la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 100
	}
	var d = levenshtein.ComputeDistance(a, b)
	return 100 * (1 - float64(d)/float64(longest))
}

// partialRatio slides the shorter string over the longer and keeps the
// best window similarity, rewarding substring-like matches where plain
// edit distance punishes the length gap.
func partialRatio(a, b string) float64 {
	var ra, rb = []rune(a), []rune(b)
	if len(ra) > len(rb) {
		ra, rb = rb, ra
	}
	if len(ra) == 0 {
		return 0
	}
	if len(ra) == len(rb) {
		return simpleRatio(string(ra), string(rb))
	}

	var best float64
	for i := 0; i+len(ra) <= len(rb); i++ {
		var r = simpleRatio(string(ra), string(rb[i:i+len(ra)]))
		if r > best {
			best = r
		}
		if best == 100 {
			break
		}
	}
	return best
}

// weightedRatio blends full and windowed similarity: when the inputs
// differ substantially in length the discounted partial score may beat
// the full-string score.
func weightedRatio(a, b string) float64 {
	var full = simpleRatio(a, b)
	var la, lb = len([]rune(a)), len([]rune(b))
	if la == 0 || lb == 0 {
		return full
	}
	var longer, shorter = float64(la), float64(lb)
	if shorter > longer {
		longer, shorter = shorter, longer
	}
	if longer/shorter < 1.5 {
		return full
	}
	if partial := 0.9 * partialRatio(a, b); partial > full {
		return partial
	}
	return full
}

// tokenSortRatio compares the inputs with their tokens sorted, making
// the score insensitive to word order.
func tokenSortRatio(a, b string) float64 {
	return simpleRatio(sortTokens(a), sortTokens(b))
}

func sortTokens(s string) string {
	var tokens = strings.Fields(s)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}
