package deck

import (
	"github.com/deckocr/deckd/internal/errkind"
	log "github.com/sirupsen/logrus"
)

// Basic land names participating in the MTGO miscount repair.
var basicLands = map[string]struct{}{
	"Plains":   {},
	"Island":   {},
	"Swamp":    {},
	"Mountain": {},
	"Forest":   {},
}

// ApplyMTGOLandFix repairs the known MTGO 59+1 land miscount: when the
// main section does not sum to 60 and exactly one basic land carries
// quantity 59 while another carries 1, the pair is rewritten to 20 and 4.
// Everything else is left untouched; the repair is idempotent.
func ApplyMTGOLandFix(n Normalized) Normalized {
	if n.MainQuantity() == 60 {
		return n
	}

	var fiftyNine, one = -1, -1
	for i, c := range n.Main {
		if _, ok := basicLands[c.Name]; !ok {
			continue
		}
		switch c.Qty {
		case 59:
			if fiftyNine >= 0 {
				return n // Ambiguous; not the known pattern.
			}
			fiftyNine = i
		case 1:
			if one >= 0 {
				return n
			}
			one = i
		}
	}
	if fiftyNine < 0 || one < 0 || n.Main[fiftyNine].Name == n.Main[one].Name {
		return n
	}

	var out = n
	out.Main = append([]NormalizedCard(nil), n.Main...)
	out.Main[fiftyNine].Qty = 20
	out.Main[one].Qty = 4

	log.WithFields(log.Fields{
		"land59": n.Main[fiftyNine].Name,
		"land1":  n.Main[one].Name,
	}).Info("repaired MTGO land miscount")
	return out
}

// ValidateAndFill rejects decks whose main section is empty after
// resolution. It is otherwise a pass-through hook for future structural
// repairs.
func ValidateAndFill(n Normalized) (Normalized, error) {
	if len(n.Main) == 0 {
		return n, errkind.New(errkind.ValidationError, "no recognizable main-deck entries")
	}
	return n, nil
}
