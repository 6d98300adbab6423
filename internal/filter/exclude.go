package filter

import "strings"

// RejectFunc is used by the source walker to decide whether to skip a
// file or directory entirely.
type RejectFunc func(item string) bool

// RejectByPattern returns a RejectFunc that rejects any path matching one
// of patterns. Parse errors in a pattern are reported through warnf, if
// non-nil, and treated as a non-match rather than aborting the walk.
func RejectByPattern(patterns []string, warnf func(msg string, args ...interface{})) RejectFunc {
	parsed := ParsePatterns(patterns)

	return func(item string) bool {
		matched, err := List(parsed, item)
		if err != nil && warnf != nil {
			warnf("error for exclude pattern: %v", err)
		}
		return matched
	}
}

// RejectByInsensitivePattern is like RejectByPattern, but matches
// case-insensitively.
func RejectByInsensitivePattern(patterns []string, warnf func(msg string, args ...interface{})) RejectFunc {
	lower := make([]string, len(patterns))
	for i, p := range patterns {
		lower[i] = strings.ToLower(p)
	}

	reject := RejectByPattern(lower, warnf)
	return func(item string) bool {
		return reject(strings.ToLower(item))
	}
}
