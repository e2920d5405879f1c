package source

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for registry construction and matching.
var (
	// ErrNoSource is returned when no configured pattern matches a file.
	ErrNoSource = errors.New("no source configuration matches file")

	// ErrAmbiguousPatterns is returned at build time when two overlapping
	// patterns cannot be ranked by literal prefix length.
	ErrAmbiguousPatterns = errors.New("ambiguous source patterns")

	// ErrIncompatibleModels is returned at build time when two sources
	// declare the same target table with different row models.
	ErrIncompatibleModels = errors.New("sources share a target table with incompatible row models")

	// ErrDuplicateSourceName is returned at build time for a repeated name.
	ErrDuplicateSourceName = errors.New("duplicate source name")
)

// Registry holds the validated set of sources. Immutable after NewRegistry.
type Registry struct {
	sources []*Source
}

// NewRegistry validates every source and the cross-source invariants:
// no two overlapping patterns with equal literal prefixes, and no two
// sources declaring the same target table with incompatible row models.
func NewRegistry(sources []*Source) (*Registry, error) {
	byName := make(map[string]bool, len(sources))
	byTable := make(map[string]*Source, len(sources))

	for _, s := range sources {
		if err := s.Validate(); err != nil {
			return nil, err
		}

		if byName[s.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateSourceName, s.Name)
		}

		byName[s.Name] = true

		if prior, ok := byTable[s.Table]; ok {
			if !prior.Model.Compatible(s.Model) {
				return nil, fmt.Errorf("%w: table %q declared by %q and %q",
					ErrIncompatibleModels, s.Table, prior.Name, s.Name)
			}
		} else {
			byTable[s.Table] = s
		}
	}

	for i := 0; i < len(sources); i++ {
		for j := i + 1; j < len(sources); j++ {
			a, b := sources[i], sources[j]
			if !patternsOverlap(strings.ToLower(a.FilePattern), strings.ToLower(b.FilePattern)) {
				continue
			}

			if len(literalPrefix(a.FilePattern)) == len(literalPrefix(b.FilePattern)) {
				return nil, fmt.Errorf("%w: %q (%s) and %q (%s)",
					ErrAmbiguousPatterns, a.FilePattern, a.Name, b.FilePattern, b.Name)
			}
		}
	}

	r := &Registry{sources: make([]*Source, len(sources))}
	copy(r.sources, sources)

	return r, nil
}

// Match finds the source for a file basename. When several patterns match,
// the one with the longest literal prefix wins; build-time validation
// guarantees overlapping patterns never tie.
func (r *Registry) Match(filename string) (*Source, error) {
	var matches []*Source

	for _, s := range r.sources {
		if s.Matches(filename) {
			matches = append(matches, s)
		}
	}

	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoSource, filename)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return len(literalPrefix(matches[i].FilePattern)) > len(literalPrefix(matches[j].FilePattern))
	})

	return matches[0], nil
}

// Sources returns all registered sources, for startup DDL creation.
func (r *Registry) Sources() []*Source {
	return r.sources
}

// patternsOverlap reports whether some string could match both glob
// patterns. Character classes are approximated as single wildcards, which
// can only over-report overlap, never miss one.
func patternsOverlap(a, b string) bool {
	a = collapseClasses(a)
	b = collapseClasses(b)

	type key struct{ i, j int }

	memo := make(map[key]bool)

	var overlap func(i, j int) bool

	overlap = func(i, j int) bool {
		k := key{i, j}
		if v, ok := memo[k]; ok {
			return v
		}

		var result bool

		switch {
		case i == len(a) && j == len(b):
			result = true
		case i == len(a):
			result = allStars(b[j:])
		case j == len(b):
			result = allStars(a[i:])
		case a[i] == '*':
			result = overlap(i+1, j) || overlap(i, j+1)
		case b[j] == '*':
			result = overlap(i, j+1) || overlap(i+1, j)
		case a[i] == '?' || b[j] == '?' || a[i] == b[j]:
			result = overlap(i+1, j+1)
		}

		memo[k] = result

		return result
	}

	return overlap(0, 0)
}

// collapseClasses rewrites each [...] class as a single '?'.
func collapseClasses(pattern string) string {
	var sb strings.Builder

	inClass := false

	for i := 0; i < len(pattern); i++ {
		c := pattern[i]

		switch {
		case inClass:
			if c == ']' {
				inClass = false
			}
		case c == '[':
			inClass = true

			sb.WriteByte('?')
		default:
			sb.WriteByte(c)
		}
	}

	return sb.String()
}

func allStars(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != '*' {
			return false
		}
	}

	return true
}
