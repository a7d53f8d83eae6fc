// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"
)

// SanitizeText removes control characters except tab/newline/CR and trims
// spaces. Failure reasons pass through it before landing in the registry,
// since remote error bodies can carry arbitrary bytes.
func SanitizeText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// CollapseSpaces removes every whitespace rune. Credential fields copied
// out of spreadsheets tend to pick up stray spaces and tabs.
func CollapseSpaces(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '\v', '\f':
			return -1
		}
		return r
	}, s)
}

// SanitizeToken makes a string safe for use inside an identifier by
// replacing ':' and '/' with '_'.
func SanitizeToken(s string) string {
	return strings.NewReplacer(":", "_", "/", "_").Replace(s)
}
