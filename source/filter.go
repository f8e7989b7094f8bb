package source

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

type rule interface {
	match(name string) bool
}

type exactRule string

func (r exactRule) match(name string) bool { return string(r) == name }

type regexRule struct{ re *regexp.Regexp }

func (r regexRule) match(name string) bool { return r.re.MatchString(name) }

type globRule struct{ g glob.Glob }

func (r globRule) match(name string) bool { return r.g.Match(name) }

// FilterSet is an allow-list of project names. Rules wrapped in slashes are
// regular expressions, rules with glob metacharacters are globs with '/' as
// the separator, everything else must match exactly. An empty set allows
// every project.
type FilterSet struct {
	rules []rule
}

// NewFilterSet compiles the given rules
func NewFilterSet(rules []string) (*FilterSet, error) {
	fs := &FilterSet{rules: make([]rule, 0, len(rules))}
	for _, r := range rules {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}

		switch {
		case len(r) > 2 && strings.HasPrefix(r, "/") && strings.HasSuffix(r, "/"):
			re, err := regexp.Compile(r[1 : len(r)-1])
			if err != nil {
				return nil, fmt.Errorf("invalid filter %q: %w", r, err)
			}
			fs.rules = append(fs.rules, regexRule{re})
		case strings.ContainsAny(r, "*?[{"):
			g, err := glob.Compile(r, '/')
			if err != nil {
				return nil, fmt.Errorf("invalid filter %q: %w", r, err)
			}
			fs.rules = append(fs.rules, globRule{g})
		default:
			fs.rules = append(fs.rules, exactRule(r))
		}
	}
	return fs, nil
}

// Len returns the number of compiled rules
func (f *FilterSet) Len() int {
	if f == nil {
		return 0
	}
	return len(f.rules)
}

// Match reports whether name passes the set
func (f *FilterSet) Match(name string) bool {
	if f.Len() == 0 {
		return true
	}
	for _, r := range f.rules {
		if r.match(name) {
			return true
		}
	}
	return false
}
