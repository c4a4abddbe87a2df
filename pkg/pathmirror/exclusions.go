package pathmirror

import "strings"

// IsExcluded reports whether normalizedPath starts with any member of
// excludeSet. The match is a plain string prefix, so an exclusion of
// "/data/foo" also excludes "/data/foo2".
func IsExcluded(normalizedPath string, excludeSet []string) bool {
	for _, ex := range excludeSet {
		if strings.HasPrefix(normalizedPath, ex) {
			return true
		}
	}
	return false
}
