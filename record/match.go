package record

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher selects the paths a recording looks at.
type Matcher struct {
	include []string
	ignore  []string
}

// NewMatcher builds a matcher. An empty include list selects every path;
// ignore patterns win over include patterns.
func NewMatcher(include, ignore []string) (*Matcher, error) {
	for _, p := range append(append([]string(nil), include...), ignore...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid pattern %q", p)
		}
	}
	return &Matcher{include: include, ignore: ignore}, nil
}

// Match reports whether path is selected.
func (m *Matcher) Match(path string) bool {
	if m == nil {
		return true
	}
	for _, p := range m.ignore {
		if ok, _ := doublestar.Match(p, path); ok {
			return false
		}
	}
	if len(m.include) == 0 {
		return true
	}
	for _, p := range m.include {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}
