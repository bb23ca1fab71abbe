package models

import (
	"path/filepath"
	"strings"
)

// Slugify lowercases s, turns spaces and underscores into hyphens and
// drops everything outside [a-z0-9-].
func Slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == ' ' || r == '_':
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Stem returns the slugified base name of path without its extension,
// or "document" when nothing usable remains.
func Stem(path string) string {
	base := filepath.Base(path)
	stem := Slugify(strings.TrimSuffix(base, filepath.Ext(base)))
	if stem == "" {
		return "document"
	}
	return stem
}
