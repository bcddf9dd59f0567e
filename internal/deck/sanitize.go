package deck

import (
	"strings"
	"unicode"
)

const maxNameLength = 200

// SanitizeName strips control characters, restricts punctuation to the
// set that occurs in card names, collapses internal whitespace and
// clamps the result to 200 characters.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		case r == ',' || r == '\'' || r == '-' || r == '/':
			b.WriteRune(r)
		}
	}

	var out = strings.Join(strings.Fields(b.String()), " ")
	if len(out) > maxNameLength {
		out = out[:maxNameLength]
	}
	return out
}
