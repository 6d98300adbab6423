package filter

// ExcludePatternOptions bundles all the ways a caller can supply exclude
// patterns: directly, case-insensitively, or read from a file (plain or
// case-insensitive).
type ExcludePatternOptions struct {
	Excludes                []string
	InsensitiveExcludes     []string
	ExcludeFiles            []string
	InsensitiveExcludeFiles []string
}

// Empty reports whether no exclude option was set.
func (opts *ExcludePatternOptions) Empty() bool {
	return len(opts.Excludes) == 0 && len(opts.InsensitiveExcludes) == 0 &&
		len(opts.ExcludeFiles) == 0 && len(opts.InsensitiveExcludeFiles) == 0
}

// IncludePatternOptions bundles all the ways a caller can supply include
// patterns: directly, case-insensitively, or read from a file (plain or
// case-insensitive).
type IncludePatternOptions struct {
	Includes                []string
	InsensitiveIncludes     []string
	IncludeFiles            []string
	InsensitiveIncludeFiles []string
}

// Empty reports whether no include option was set.
func (opts *IncludePatternOptions) Empty() bool {
	return len(opts.Includes) == 0 && len(opts.InsensitiveIncludes) == 0 &&
		len(opts.IncludeFiles) == 0 && len(opts.InsensitiveIncludeFiles) == 0
}
