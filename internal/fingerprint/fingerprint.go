// Package fingerprint computes the content-addressed identities of a
// submission: the fingerprint of the sanitized image bytes and the
// idempotency key binding those bytes to the pipeline configuration.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// KeyLength is the hex length of an idempotency key.
const KeyLength = 16

// PipelineConfig is the set of recognized options that participate in
// the idempotency key. Two semantically equal configs always canonicalize
// to byte-equal JSON.
type PipelineConfig struct {
	Engine                string
	Languages             []string
	MinSpanConfidence     float64
	MinQuantityLines      int
	FuzzyTopK             int
	AlwaysVerifyCatalogue bool
	VisionFallbackEnabled bool
	Denoise               bool
	Binarize              bool
	Sharpen               bool
	Superres              bool
	CatalogueSnapshot     string
}

// Image hashes sanitized (re-encoded) image bytes into the 256-bit
// fingerprint. Identical pixel payloads hash identically because EXIF
// and ancillary streams were stripped during intake.
func Image(sanitized []byte) string {
	var sum = sha256.Sum256(sanitized)
	return hex.EncodeToString(sum[:])
}

// Key derives the 16-hex idempotency key of (fingerprint, config).
func Key(imageFingerprint string, cfg PipelineConfig) string {
	var h = sha256.New()
	h.Write([]byte(imageFingerprint))
	h.Write([]byte(cfg.CanonicalJSON()))
	return hex.EncodeToString(h.Sum(nil))[:KeyLength]
}

// CanonicalJSON renders the config as sorted-key JSON with fixed
// numeric precision. encoding/json preserves struct order rather than
// key order, so the canonical form is assembled explicitly.
func (c PipelineConfig) CanonicalJSON() string {
	var langs = append([]string(nil), c.Languages...)
	if len(langs) == 0 {
		langs = []string{"en"}
	}

	var fields = map[string]string{
		"always_verify_catalogue": fmt.Sprintf("%t", c.AlwaysVerifyCatalogue),
		"binarize":                fmt.Sprintf("%t", c.Binarize),
		"catalogue_snapshot":      quote(c.CatalogueSnapshot),
		"denoise":                 fmt.Sprintf("%t", c.Denoise),
		"engine":                  quote(c.Engine),
		"fuzzy_top_k":             fmt.Sprintf("%d", c.FuzzyTopK),
		"languages":               quoteList(langs),
		"min_quantity_lines":      fmt.Sprintf("%d", c.MinQuantityLines),
		"min_span_confidence":     fmt.Sprintf("%.4f", c.MinSpanConfidence),
		"sharpen":                 fmt.Sprintf("%t", c.Sharpen),
		"superres":                fmt.Sprintf("%t", c.Superres),
		"vision_fallback_enabled": fmt.Sprintf("%t", c.VisionFallbackEnabled),
	}

	var keys = make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(quote(k))
		b.WriteByte(':')
		b.WriteString(fields[k])
	}
	b.WriteByte('}')
	return b.String()
}

var reJSONEscape = regexp.MustCompile(`[\\"]`)

func quote(s string) string {
	return `"` + reJSONEscape.ReplaceAllString(s, `\$0`) + `"`
}

func quoteList(items []string) string {
	var quoted = make([]string, len(items))
	for i, s := range items {
		quoted[i] = quote(s)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}
