package pathmirror

import (
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// SourceTargetPair maps a source root onto the target root that mirrors it.
type SourceTargetPair struct {
	// Source and Target are normalized keys.
	Source string
	Target string

	// SourcePath and TargetPath keep the configured case for filesystem access.
	SourcePath string
	TargetPath string
}

// NewPair builds a pair from two raw configured paths.
func NewPair(source, target string) SourceTargetPair {
	src, trg := Canonical(source), Canonical(target)
	return SourceTargetPair{
		Source:     strings.ToLower(src),
		Target:     strings.ToLower(trg),
		SourcePath: src,
		TargetPath: trg,
	}
}

// Owns reports whether key lies under the pair's source.
func (p SourceTargetPair) Owns(key string) bool {
	return strings.HasPrefix(key, p.Source)
}

// Rebase moves a canonical source path under the pair's target. The suffix
// after the source prefix is appended to the target unchanged, so for a
// source "/src" the path "/src2/x" becomes target + "2/x".
func (p SourceTargetPair) Rebase(canonicalPath string) string {
	suffix := runeSuffix(canonicalPath, utf8.RuneCountInString(p.Source))
	if suffix == "" {
		return p.TargetPath
	}
	sep := string(filepath.Separator)
	if strings.HasPrefix(suffix, sep) || strings.HasSuffix(p.TargetPath, sep) || strings.HasSuffix(p.SourcePath, sep) {
		return filepath.Join(p.TargetPath, suffix)
	}
	return p.TargetPath + suffix
}

// Tables holds the include pairs and the exclusion set. It is immutable
// after construction and safe for concurrent use.
type Tables struct {
	include []SourceTargetPair
	exclude []string
}

// NewTables builds the lookup tables. Exclusions are normalized here and
// empty entries are dropped, since an empty prefix would exclude everything.
func NewTables(include []SourceTargetPair, exclude []string) *Tables {
	t := &Tables{include: append([]SourceTargetPair(nil), include...)}
	for _, ex := range exclude {
		if n := Normalize(ex); n != "" {
			t.exclude = append(t.exclude, n)
		}
	}
	return t
}

// Include returns a copy of the include pairs in configuration order.
func (t *Tables) Include() []SourceTargetPair {
	return append([]SourceTargetPair(nil), t.include...)
}

// Exclude returns a copy of the normalized exclusion set.
func (t *Tables) Exclude() []string {
	return append([]string(nil), t.exclude...)
}

// IsExcluded reports whether key falls under any exclusion.
func (t *Tables) IsExcluded(key string) bool {
	return IsExcluded(key, t.exclude)
}

// Resolve returns the first include pair, in configuration order, whose
// source prefixes key.
func (t *Tables) Resolve(key string) (SourceTargetPair, bool) {
	for _, p := range t.include {
		if p.Owns(key) {
			return p, true
		}
	}
	return SourceTargetPair{}, false
}
