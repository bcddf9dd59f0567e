package deck

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func spansOf(texts ...string) []OCRSpan {
	var out = make([]OCRSpan, len(texts))
	for i, t := range texts {
		out[i] = OCRSpan{Text: t, Conf: 0.9}
	}
	return out
}

func TestParseSideboardSegmentation(t *testing.T) {
	var got = Parser{}.Parse(spansOf(
		"4 Lightning Bolt",
		"4 Counterspell",
		"2 Teferi, Hero of Dominaria",
		"Sideboard",
		"3 Negate",
	))

	require.Equal(t, []Entry{
		{Qty: 4, Name: "Lightning Bolt"},
		{Qty: 4, Name: "Counterspell"},
		{Qty: 2, Name: "Teferi, Hero of Dominaria"},
	}, got.Main)
	require.Equal(t, []Entry{{Qty: 3, Name: "Negate"}}, got.Side)
}

func TestParseSplitLineMode(t *testing.T) {
	var got = Parser{}.Parse(spansOf(
		"Lightning Bolt",
		"x4",
		"Counterspell",
		"x3",
	))

	require.Equal(t, []Entry{
		{Qty: 4, Name: "Lightning Bolt"},
		{Qty: 3, Name: "Counterspell"},
	}, got.Main)
	require.Empty(t, got.Side)
}

func TestParseUnpairedNameDefaultsToOne(t *testing.T) {
	var got = Parser{}.Parse(spansOf(
		"Lightning Bolt",
		"Counterspell",
		"x3",
	))

	require.Equal(t, []Entry{
		{Qty: 1, Name: "Lightning Bolt"},
		{Qty: 3, Name: "Counterspell"},
	}, got.Main)
}

func TestParseQuantityForms(t *testing.T) {
	for _, tc := range []struct {
		line string
		qty  int
		name string
	}{
		{"4 Bloodtithe Harvester", 4, "Bloodtithe Harvester"},
		{"Lightning Bolt x4", 4, "Lightning Bolt"},
		{"Lightning Bolt x 4", 4, "Lightning Bolt"},
		{"3x Duress", 3, "Duress"},
		{"Opt 4", 4, "Opt"},
	} {
		var got = Parser{}.Parse(spansOf(tc.line))
		require.Len(t, got.Main, 1, tc.line)
		require.Equal(t, Entry{Qty: tc.qty, Name: tc.name}, got.Main[0], tc.line)
	}
}

func TestParseSBEntryForm(t *testing.T) {
	var got = Parser{}.Parse(spansOf(
		"4 Bloodtithe Harvester",
		"SB: 2 Duress",
		"SB: 3 Go Blank",
	))

	require.Equal(t, []Entry{{Qty: 4, Name: "Bloodtithe Harvester"}}, got.Main)
	require.Equal(t, []Entry{
		{Qty: 2, Name: "Duress"},
		{Qty: 3, Name: "Go Blank"},
	}, got.Side)
}

func TestParseSkipsUIChrome(t *testing.T) {
	var got = Parser{}.Parse(spansOf(
		"Deck",
		"60",
		"Best of",
		"1920 x 1080",
		"----",
		"4 Opt",
		"Total",
	))

	require.Equal(t, []Entry{{Qty: 4, Name: "Opt"}}, got.Main)
	require.Empty(t, got.Side)
}

func TestParseTrailingDigitsIsConservative(t *testing.T) {
	// Quantity above 20 via the trailing-digit form must not parse.
	var got = Parser{}.Parse(spansOf("Opt 21"))
	require.Empty(t, got.Main)

	// Too-short names must not parse either.
	got = Parser{}.Parse(spansOf("ab 4"))
	require.Empty(t, got.Main)
}

func TestParseMTGOCompleteRedistribution(t *testing.T) {
	var texts = []string{"MTGO deck export"}
	// 20 entries, 4 units each: 75 units total would need fractions, so
	// use 15 fours (60) plus 5 threes (15) = 75 across 20 entries, with
	// the sideboard marker mid-stream to prove it is ignored.
	for i := 0; i < 14; i++ {
		texts = append(texts, "4 Card A")
	}
	texts = append(texts, "Sideboard")
	texts = append(texts, "4 Straddle")
	for i := 0; i < 5; i++ {
		texts = append(texts, "3 Card B")
	}

	var got = Parser{}.Parse(spansOf(texts...))

	var mainUnits, sideUnits int
	for _, e := range got.Main {
		mainUnits += e.Qty
	}
	for _, e := range got.Side {
		sideUnits += e.Qty
	}
	require.Equal(t, 60, mainUnits)
	require.Equal(t, 15, sideUnits)

	// The straddling entry is split across the boundary.
	require.Equal(t, Entry{Qty: 4, Name: "Straddle"}, got.Main[len(got.Main)-1])
	require.Equal(t, "Card B", got.Side[0].Name)
	require.Len(t, got.Main, 15)
	require.Len(t, got.Side, 5)
}

func TestParseMTGOStraddleSplit(t *testing.T) {
	var texts = []string{"Magic Online"}
	for i := 0; i < 14; i++ {
		texts = append(texts, "4 Filler")
	}
	texts = append(texts, "7 Straddle") // 56 + 7 crosses 60.

	var got = Parser{}.Parse(spansOf(texts...))
	require.Equal(t, Entry{Qty: 4, Name: "Straddle"}, got.Main[len(got.Main)-1])
	require.Equal(t, []Entry{{Qty: 3, Name: "Straddle"}}, got.Side)
}

func TestSanitizeName(t *testing.T) {
	require.Equal(t, "Teferi, Hero of Dominaria", SanitizeName("  Teferi,   Hero \tof Dominaria "))
	require.Equal(t, "Fire / Ice", SanitizeName("Fire / Ice"))
	require.Equal(t, "Opt", SanitizeName("Opt\x00\x1f"))
	require.Equal(t, "", SanitizeName("!!!"))
}
