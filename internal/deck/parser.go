package deck

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Quantity patterns attempted in order on each combined line.
var (
	reQtyName  = regexp.MustCompile(`^(\d{1,3})\s+(\S.*)$`)
	reNameXQty = regexp.MustCompile(`(?i)^(.+?)\s+x\s*(\d{1,3})$`)
	reQtyXName = regexp.MustCompile(`(?i)^(\d{1,3})x\s+(\S.*)$`)
	reNameQty  = regexp.MustCompile(`^(.+?)\s+(\d{1,2})$`)

	// Standalone quantity marker of split-line client output.
	reSoloQty = regexp.MustCompile(`(?i)^x\s?(\d{1,3})$`)

	// Combined sideboard marker and entry, e.g. "SB: 2 Duress".
	reSBEntry = regexp.MustCompile(`(?i)^sb:\s*(\d{1,3})\s+(\S.*)$`)

	reNumeric    = regexp.MustCompile(`^\d+$`)
	reCoordinate = regexp.MustCompile(`^\d+\s*[,x:]\s*\d+$`)
	reSeparator  = regexp.MustCompile(`^[-_=~*.\s]+$`)
)

// Sideboard markers recognized as standalone lines (optionally with a
// trailing colon).
var sideboardMarkers = map[string]struct{}{
	"sideboard":  {},
	"side board": {},
	"sb":         {},
	"side":       {},
	"reserve":    {},
}

// UI chrome recognized by exact lowercase match and skipped.
var uiStrings = map[string]struct{}{
	"cards":   {},
	"deck":    {},
	"total":   {},
	"best of": {},
	"done":    {},
	"submit":  {},
	"import":  {},
	"export":  {},
}

// mtgoHeadWindow bounds how deep into the span sequence a desktop-client
// source marker is looked for.
const mtgoHeadWindow = 5

// mtgoMainSize is the main-section unit count of a complete MTGO list.
const mtgoMainSize = 60

// Parser turns an ordered OCR span sequence into deck sections.
type Parser struct{}

// Parse consumes spans and produces main/side entries. It handles
// combined quantity+name lines, the split-line client layout where the
// quantity trails on its own line, and complete MTGO lists where the
// sideboard is positional rather than marked.
//
// Split-line pairing only engages when the stream actually contains a
// standalone quantity marker; otherwise bare name-like lines are UI
// noise and are dropped.
func (Parser) Parse(spans []OCRSpan) Sections {
	var mtgoComplete = isMTGOSource(spans)
	var splitMode = hasSoloQuantity(spans)

	var out Sections
	var side bool
	var pending string // Name awaiting a trailing standalone quantity.

	var flushPending = func() {
		if pending == "" {
			return
		}
		out.append(side, Entry{Qty: 1, Name: pending})
		pending = ""
	}
	var emit = func(qty int, name string) {
		flushPending()
		name = SanitizeName(name)
		if qty < 1 || name == "" {
			return
		}
		out.append(side, Entry{Qty: qty, Name: name})
	}

	for _, span := range spans {
		var line = strings.TrimSpace(span.Text)
		if line == "" {
			continue
		}
		var lower = strings.ToLower(line)

		if m := reSBEntry.FindStringSubmatch(line); m != nil {
			flushPending()
			var qty, _ = strconv.Atoi(m[1])
			if name := SanitizeName(m[2]); qty >= 1 && name != "" {
				out.Side = append(out.Side, Entry{Qty: qty, Name: name})
			}
			continue
		}

		if isSideboardMarker(lower) {
			flushPending()
			if !mtgoComplete {
				side = true
			}
			continue
		}
		if isUIString(lower) {
			continue
		}

		if m := reSoloQty.FindStringSubmatch(line); m != nil {
			if pending != "" {
				var qty, _ = strconv.Atoi(m[1])
				var name = pending
				pending = ""
				emit(qty, name)
			}
			continue
		}

		if qty, name, ok := matchCombined(line); ok {
			emit(qty, name)
			continue
		}

		if splitMode && looksLikeName(line) {
			flushPending()
			pending = line
		}
	}
	flushPending()

	if mtgoComplete {
		out = redistributeMTGO(out)
	}
	return out
}

func (s *Sections) append(side bool, e Entry) {
	if side {
		s.Side = append(s.Side, e)
	} else {
		s.Main = append(s.Main, e)
	}
}

// matchCombined attempts the combined-line quantity patterns in order.
// The trailing-digit form is a conservative last resort: it overlaps UI
// strings, so it only fires for small quantities against a substantial
// name.
func matchCombined(line string) (qty int, name string, ok bool) {
	if m := reQtyName.FindStringSubmatch(line); m != nil {
		qty, _ = strconv.Atoi(m[1])
		return qty, m[2], true
	}
	if m := reNameXQty.FindStringSubmatch(line); m != nil {
		qty, _ = strconv.Atoi(m[2])
		return qty, m[1], true
	}
	if m := reQtyXName.FindStringSubmatch(line); m != nil {
		qty, _ = strconv.Atoi(m[1])
		return qty, m[2], true
	}
	if m := reNameQty.FindStringSubmatch(line); m != nil {
		qty, _ = strconv.Atoi(m[2])
		if qty <= 20 && nonDigitCount(m[1]) >= 3 {
			return qty, m[1], true
		}
	}
	return 0, "", false
}

func isSideboardMarker(lower string) bool {
	lower = strings.TrimSuffix(strings.TrimSpace(lower), ":")
	_, ok := sideboardMarkers[lower]
	return ok
}

func isUIString(lower string) bool {
	if _, ok := uiStrings[lower]; ok {
		return true
	}
	return reNumeric.MatchString(lower) ||
		reCoordinate.MatchString(lower) ||
		reSeparator.MatchString(lower)
}

// looksLikeName accepts candidate pending names for split-line pairing:
// contains a letter, does not start with a digit, starts uppercase.
func looksLikeName(line string) bool {
	var runes = []rune(line)
	if len(runes) == 0 || unicode.IsDigit(runes[0]) || !unicode.IsUpper(runes[0]) {
		return false
	}
	for _, r := range runes {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

func nonDigitCount(s string) int {
	var n int
	for _, r := range s {
		if !unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

func hasSoloQuantity(spans []OCRSpan) bool {
	for _, span := range spans {
		if reSoloQty.MatchString(strings.TrimSpace(span.Text)) {
			return true
		}
	}
	return false
}

// isMTGOSource reports whether the head of the span sequence indicates a
// desktop-client (MTGO) deck list, where sideboard placement is
// positional.
func isMTGOSource(spans []OCRSpan) bool {
	for i, span := range spans {
		if i == mtgoHeadWindow {
			break
		}
		var lower = strings.ToLower(span.Text)
		if strings.Contains(lower, "mtgo") || strings.Contains(lower, "magic online") {
			return true
		}
	}
	return false
}

// redistributeMTGO splits a flat entry list so that the first 60 main
// units stay in the main section and the remainder forms the side,
// splitting the straddling entry across both.
func redistributeMTGO(in Sections) Sections {
	var all = make([]Entry, 0, len(in.Main)+len(in.Side))
	all = append(all, in.Main...)
	all = append(all, in.Side...)

	var out Sections
	var units int
	for _, e := range all {
		switch {
		case units >= mtgoMainSize:
			out.Side = append(out.Side, e)
		case units+e.Qty <= mtgoMainSize:
			out.Main = append(out.Main, e)
			units += e.Qty
		default:
			var mainPart = mtgoMainSize - units
			out.Main = append(out.Main, Entry{Qty: mainPart, Name: e.Name, Candidates: e.Candidates})
			out.Side = append(out.Side, Entry{Qty: e.Qty - mainPart, Name: e.Name, Candidates: e.Candidates})
			units = mtgoMainSize
		}
	}
	return out
}
