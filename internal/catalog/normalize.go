package catalog

import (
	"strings"
	"unicode"

	matchr "github.com/antzucaro/matchr"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	normalizeCache, _ = lru.New[string, string](1024)
	metaphoneCache, _ = lru.New[string, string](256)

	foldDiacritics = transform.Chain(
		norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// NormalizeName folds a card name to its canonical matching form:
// diacritics stripped, lowercased, punctuation replaced by spaces, and
// whitespace collapsed. Normalization is idempotent.
func NormalizeName(name string) string {
	if cached, ok := normalizeCache.Get(name); ok {
		return cached
	}

	var folded, _, err = transform.String(foldDiacritics, name)
	if err != nil {
		folded = name
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	var out = strings.Join(strings.Fields(b.String()), " ")

	normalizeCache.Add(name, out)
	return out
}

// metaphoneHead returns the primary double-metaphone encoding of |s|,
// or "" when the input yields none.
func metaphoneHead(s string) string {
	if cached, ok := metaphoneCache.Get(s); ok {
		return cached
	}
	var primary, _ = matchr.DoubleMetaphone(s)
	metaphoneCache.Add(s, primary)
	return primary
}
