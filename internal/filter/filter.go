// Package filter implements shell-glob-style path matching used to decide
// which files an operation should include or exclude, and whether a
// directory might need to be descended into even though it doesn't match
// a pattern itself (because some file below it could).
package filter

import (
	"path/filepath"
	"strings"

	"github.com/sealvault/sealvault/internal/errors"
)

// split breaks p into path components, using "/" as the separator
// regardless of OS (the caller is expected to have run filepath.ToSlash
// over p already). A leading empty component (an absolute path) is
// normalized to a literal "/" marker so match can recognize it.
func split(p string) []string {
	parts := strings.Split(p, "/")
	if parts[0] == "" {
		parts[0] = "/"
	}
	return parts
}

// match reports whether patterns matches strs exactly, or — when
// childMatch is true — whether some descendant of strs could still match
// patterns once more path components are appended. A literal component
// mismatch is always a hard failure; patterns running out first is always
// a match; strs running out first is a match only when childMatch is set.
func match(patterns, strs []string, childMatch bool) (bool, error) {
	if len(patterns) == 0 {
		return true, nil
	}

	if patterns[0] == "**" {
		if len(patterns) == 1 {
			return true, nil
		}
		for i := 0; i <= len(strs); i++ {
			ok, err := match(patterns[1:], strs[i:], childMatch)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	if len(strs) == 0 {
		return childMatch, nil
	}

	ok, err := filepath.Match(patterns[0], strs[0])
	if err != nil || !ok {
		return false, err
	}

	return match(patterns[1:], strs[1:], childMatch)
}

// matchAny tries patterns against every suffix of strs (so that patterns
// not anchored at the root can match starting at any depth), returning
// true as soon as one starting point succeeds.
func matchAny(patterns, strs []string, childMatch bool) (bool, error) {
	for i := 0; i <= len(strs); i++ {
		ok, err := match(patterns, strs[i:], childMatch)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func genericMatch(pattern, str string, childMatch bool) (bool, error) {
	if pattern == "" {
		return true, nil
	}
	if str == "" {
		return false, errors.New("filter: path must not be empty")
	}

	cleaned := filepath.Clean(filepath.ToSlash(pattern))
	patterns := split(cleaned)
	strs := split(filepath.ToSlash(str))

	return matchAny(patterns, strs, childMatch)
}

// Match returns true if str matches pattern. Pattern can be a plain glob
// ("*.go"), a path prefix ("/full/path"), a path glob ("foo/*/bar.txt")
// or contain "**" to match any number of path components, including zero.
// An unanchored pattern (one without a leading path separator) may match
// starting at any path component, not just the first.
func Match(pattern, str string) (matched bool, err error) {
	return genericMatch(pattern, str, false)
}

// ChildMatch returns true if str matches pattern, or if some path below
// str could still match pattern. It is meant to decide whether a
// directory needs to be descended into even though it doesn't itself
// match.
func ChildMatch(pattern, str string) (matched bool, err error) {
	return genericMatch(pattern, str, true)
}

// Pattern is a pre-parsed pattern, ready to be matched repeatedly against
// many paths without re-parsing the pattern string each time.
type Pattern struct {
	parts []string
}

// ParsePatterns prepares patterns for repeated use with List and
// ListWithChild. Empty pattern strings are dropped, since an empty
// pattern would otherwise match unconditionally.
func ParsePatterns(patterns []string) []Pattern {
	result := make([]Pattern, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		cleaned := filepath.Clean(filepath.ToSlash(p))
		result = append(result, Pattern{parts: split(cleaned)})
	}
	return result
}

// List returns true if str matches any of patterns.
func List(patterns []Pattern, str string) (matched bool, err error) {
	if str == "" {
		return false, errors.New("filter: path must not be empty")
	}
	strs := split(filepath.ToSlash(str))

	for _, p := range patterns {
		ok, err := matchAny(p.parts, strs, false)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// ListWithChild is like List, but additionally reports whether some path
// below str could match one of patterns, computing both in a single pass
// over patterns.
func ListWithChild(patterns []Pattern, str string) (matched, childMatch bool, err error) {
	if str == "" {
		return false, false, errors.New("filter: path must not be empty")
	}
	strs := split(filepath.ToSlash(str))

	for _, p := range patterns {
		ok, err := matchAny(p.parts, strs, false)
		if err != nil {
			return false, false, err
		}
		if ok {
			matched = true
		}

		ok, err = matchAny(p.parts, strs, true)
		if err != nil {
			return false, false, err
		}
		if ok {
			childMatch = true
		}
	}

	return matched, childMatch, nil
}

// ValidatePattern returns whether pattern is syntactically well-formed
// (every non-"**" path component is a valid filepath.Match glob).
func ValidatePattern(pattern string) bool {
	if pattern == "" {
		return true
	}

	cleaned := filepath.Clean(filepath.ToSlash(pattern))
	for _, part := range split(cleaned) {
		if part == "**" || part == "/" {
			continue
		}
		if _, err := filepath.Match(part, ""); err != nil {
			return false
		}
	}
	return true
}

// ValidatePatterns checks every pattern in patterns, returning whether all
// of them are valid and the subset that is not.
func ValidatePatterns(patterns []string) (allValid bool, invalidPatterns []string) {
	allValid = true
	for _, p := range patterns {
		if !ValidatePattern(p) {
			allValid = false
			invalidPatterns = append(invalidPatterns, p)
		}
	}
	return allValid, invalidPatterns
}
