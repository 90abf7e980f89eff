package config

import (
	"strings"
	"unicode"
)

// SplitQuotedFields splits in at white space like strings.Fields, except
// inside areas surrounded by quote. Inside a quoted area a backslash
// escapes the next character, including the quote itself.
// An empty quoted area produces an empty field.
func SplitQuotedFields(in string, quote rune) []string {
	var (
		r       = []string{}
		buf     strings.Builder
		started bool // buf holds a field, possibly empty
		quoted  bool
		escaped bool
	)

	for _, ch := range in {
		switch {
		case escaped:
			buf.WriteRune(ch)
			escaped = false
		case quoted && ch == '\\':
			escaped = true
		case ch == quote:
			quoted = !quoted
			started = true
		case !quoted && unicode.IsSpace(ch):
			if started {
				r = append(r, buf.String())
				buf.Reset()
				started = false
			}
		default:
			buf.WriteRune(ch)
			started = true
		}
	}

	if started {
		r = append(r, buf.String())
	}
	return r
}
