// Package product normalizes free-form product names into the canonical
// form used as the cache key for gathering and lookups.
package product

import (
	"strings"
	"unicode"
)

// CanonicalName lowercases, trims, strips control runes and collapses
// whitespace runs. "Sony WH-1000XM5 " and "sony wh-1000xm5" map to the
// same key.
func CanonicalName(raw string) string {
	trimmed := strings.TrimSpace(strings.ToLower(raw))
	if trimmed == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	lastSpace := false
	for _, r := range trimmed {
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimSpace(b.String())
}

// DisplayName trims the raw name but keeps its casing for presentation.
func DisplayName(raw string) string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return ""
	}
	return strings.Join(fields, " ")
}
