package pathmirror

import (
	"path/filepath"
	"strings"
)

// Canonical cleans p and converts both '/' and '\' to the host separator.
// The case of p is preserved. An empty path stays empty.
func Canonical(p string) string {
	if p == "" {
		return ""
	}
	p = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return filepath.Separator
		}
		return r
	}, p)
	return filepath.Clean(p)
}

// Normalize returns the comparison key of p: its canonical form, lower-cased.
// It is pure and total.
func Normalize(p string) string {
	return strings.ToLower(Canonical(p))
}

// runeSuffix returns s without its first n runes.
func runeSuffix(s string, n int) string {
	for i := range s {
		if n == 0 {
			return s[i:]
		}
		n--
	}
	return ""
}
