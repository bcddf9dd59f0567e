package deck

import (
	"testing"

	"github.com/deckocr/deckd/internal/errkind"
	"github.com/stretchr/testify/require"
)

func TestMTGOLandFix(t *testing.T) {
	var in = Normalized{Main: []NormalizedCard{
		{Qty: 59, Name: "Island"},
		{Qty: 1, Name: "Forest"},
		{Qty: 4, Name: "Opt"},
		{Qty: 4, Name: "Counterspell"},
	}}

	var got = ApplyMTGOLandFix(in)
	require.Equal(t, []NormalizedCard{
		{Qty: 20, Name: "Island"},
		{Qty: 4, Name: "Forest"},
		{Qty: 4, Name: "Opt"},
		{Qty: 4, Name: "Counterspell"},
	}, got.Main)

	// Idempotent: a second application changes nothing.
	require.Equal(t, got, ApplyMTGOLandFix(got))

	// Input is not mutated.
	require.Equal(t, 59, in.Main[0].Qty)
}

func TestMTGOLandFixLeavesHealthyDecks(t *testing.T) {
	var sixty = Normalized{Main: []NormalizedCard{
		{Qty: 20, Name: "Island"},
		{Qty: 4, Name: "Forest"},
		{Qty: 36, Name: "Opt"},
	}}
	require.Equal(t, sixty, ApplyMTGOLandFix(sixty))

	// 59+1 on a non-basic does not trigger.
	var nonBasic = Normalized{Main: []NormalizedCard{
		{Qty: 59, Name: "Opt"},
		{Qty: 1, Name: "Island"},
	}}
	require.Equal(t, nonBasic, ApplyMTGOLandFix(nonBasic))
}

func TestValidateAndFill(t *testing.T) {
	var ok = Normalized{Main: []NormalizedCard{{Qty: 4, Name: "Opt"}}}
	got, err := ValidateAndFill(ok)
	require.NoError(t, err)
	require.Equal(t, ok, got)

	_, err = ValidateAndFill(Normalized{})
	require.Error(t, err)
	require.Equal(t, errkind.ValidationError, errkind.KindOf(err))
}
