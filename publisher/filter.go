package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters events using glob patterns
type GlobFilter struct {
	typeGlobs    []glob.Glob
	projectGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter
// Empty patterns match everything
func NewGlobFilter(typePatterns, projectPatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		typeGlobs:    make([]glob.Glob, 0, len(typePatterns)),
		projectGlobs: make([]glob.Glob, 0, len(projectPatterns)),
	}

	for _, pattern := range typePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid type pattern %q: %w", pattern, err)
		}
		filter.typeGlobs = append(filter.typeGlobs, g)
	}

	// Project names contain slashes, use it as separator so '*' stays in one segment
	for _, pattern := range projectPatterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid project pattern %q: %w", pattern, err)
		}
		filter.projectGlobs = append(filter.projectGlobs, g)
	}

	return filter, nil
}

// Match returns true if the event type and project match the configured patterns
// If no patterns are configured, all events match
func (f *GlobFilter) Match(eventType, project string) bool {
	return matchAny(f.typeGlobs, eventType) && matchAny(f.projectGlobs, project)
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
