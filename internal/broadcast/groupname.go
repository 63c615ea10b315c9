package broadcast

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxGroupNameLength bounds group names, matching the channel layer's
// historical limit.
const MaxGroupNameLength = 100

// SanitizeGroupName turns arbitrary input (typically an email address) into
// a valid group name. Accents are folded, '@' and '+' are spelled out, and
// any other character outside [A-Za-z0-9._-] becomes '-'.
func SanitizeGroupName(s string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case r == '@':
			b.WriteString("-at-")
		case r == '+':
			b.WriteString("-plus-")
		case isGroupNameRune(r):
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}

	out := b.String()
	if len(out) > MaxGroupNameLength {
		out = out[:MaxGroupNameLength]
	}
	return out
}

func ValidGroupName(name string) bool {
	if name == "" || len(name) > MaxGroupNameLength {
		return false
	}
	for _, r := range name {
		if !isGroupNameRune(r) {
			return false
		}
	}
	return true
}

func isGroupNameRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		r == '.' || r == '_' || r == '-'
}
