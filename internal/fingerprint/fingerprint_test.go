package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestImageFingerprintIsStable(t *testing.T) {
	var bytes = []byte("sanitized png payload")
	require.Equal(t, Image(bytes), Image(bytes))
	require.Len(t, Image(bytes), 64)
	require.NotEqual(t, Image(bytes), Image([]byte("other payload")))
}

func TestKeyIsStableAndConfigSensitive(t *testing.T) {
	var cfg = PipelineConfig{
		Engine:            "easyocr",
		Languages:         []string{"en"},
		MinSpanConfidence: 0.62,
		MinQuantityLines:  10,
		FuzzyTopK:         5,
		CatalogueSnapshot: "2026-08-24",
	}
	var fp = Image([]byte("image"))

	require.Equal(t, Key(fp, cfg), Key(fp, cfg))
	require.Len(t, Key(fp, cfg), KeyLength)

	var tightened = cfg
	tightened.MinSpanConfidence = 0.70
	require.NotEqual(t, Key(fp, cfg), Key(fp, tightened))

	var otherImage = Image([]byte("different image"))
	require.NotEqual(t, Key(fp, cfg), Key(otherImage, cfg))
}

func TestCanonicalJSONSortsKeysAndFixesPrecision(t *testing.T) {
	var cfg = PipelineConfig{Engine: "easyocr", MinSpanConfidence: 0.62}
	var got = cfg.CanonicalJSON()

	require.Equal(t,
		`{"always_verify_catalogue":false,"binarize":false,"catalogue_snapshot":"",`+
			`"denoise":false,"engine":"easyocr","fuzzy_top_k":0,"languages":["en"],`+
			`"min_quantity_lines":0,"min_span_confidence":0.6200,"sharpen":false,`+
			`"superres":false,"vision_fallback_enabled":false}`,
		got)

	// Semantically equal configs canonicalize byte-equal.
	var same = PipelineConfig{Engine: "easyocr", MinSpanConfidence: 0.62, Languages: []string{"en"}}
	require.Equal(t, got, same.CanonicalJSON())
}
