// Package export emits canonical deck-list text for the supported
// collection formats. Exporters are pure functions of the normalized
// deck and byte-stable across invocations.
package export

import (
	"fmt"
	"strings"

	"github.com/deckocr/deckd/internal/deck"
	"github.com/deckocr/deckd/internal/errkind"
)

// Format identifies a supported export target.
type Format string

const (
	MTGA      Format = "mtga"
	Moxfield  Format = "moxfield"
	Archidekt Format = "archidekt"
	TappedOut Format = "tappedout"
)

// Formats lists the supported targets in their canonical order.
var Formats = []Format{MTGA, Moxfield, Archidekt, TappedOut}

// Render emits |d| in the named format.
func Render(f Format, d deck.Normalized) (string, error) {
	switch f {
	case MTGA:
		return renderMTGA(d), nil
	case Moxfield:
		return renderMoxfield(d), nil
	case Archidekt:
		return renderArchidekt(d), nil
	case TappedOut:
		return renderTappedOut(d), nil
	default:
		return "", errkind.New(errkind.ValidationError, fmt.Sprintf("unknown export format %q", f))
	}
}

// renderMTGA emits the Arena client layout: a Deck header, main
// entries, a blank line, a Sideboard header and the side entries.
func renderMTGA(d deck.Normalized) string {
	var lines = []string{"Deck"}
	for _, c := range d.Main {
		lines = append(lines, fmt.Sprintf("%d %s", c.Qty, c.Name))
	}
	lines = append(lines, "", "Sideboard")
	for _, c := range d.Side {
		lines = append(lines, fmt.Sprintf("%d %s", c.Qty, c.Name))
	}
	return strings.Join(lines, "\n")
}

// renderMoxfield emits plain quantity-name lines, with the sideboard
// introduced by its own marker line, and a single trailing newline.
func renderMoxfield(d deck.Normalized) string {
	var lines []string
	for _, c := range d.Main {
		lines = append(lines, fmt.Sprintf("%d %s", c.Qty, c.Name))
	}
	if len(d.Side) > 0 {
		lines = append(lines, "Sideboard:")
		for _, c := range d.Side {
			lines = append(lines, fmt.Sprintf("%d %s", c.Qty, c.Name))
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

// renderArchidekt emits the CSV layout with Mainboard/Sideboard
// categories.
func renderArchidekt(d deck.Normalized) string {
	var lines = []string{"Count,Name,Categories"}
	for _, c := range d.Main {
		lines = append(lines, fmt.Sprintf("%d,%s,Mainboard", c.Qty, c.Name))
	}
	for _, c := range d.Side {
		lines = append(lines, fmt.Sprintf("%d,%s,Sideboard", c.Qty, c.Name))
	}
	return strings.Join(lines, "\n")
}

// renderTappedOut emits `<qty>x <name>` lines with a blank line and
// Sideboard header separating the sections.
func renderTappedOut(d deck.Normalized) string {
	var lines []string
	for _, c := range d.Main {
		lines = append(lines, fmt.Sprintf("%dx %s", c.Qty, c.Name))
	}
	lines = append(lines, "", "Sideboard")
	for _, c := range d.Side {
		lines = append(lines, fmt.Sprintf("%dx %s", c.Qty, c.Name))
	}
	return strings.Join(lines, "\n")
}
