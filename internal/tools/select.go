package tools

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Selector decides which tool names are enabled. A name is enabled when it
// matches any enabled pattern and no disabled pattern.
type Selector struct {
	enabled  []glob.Glob
	disabled []glob.Glob
}

// NewSelector compiles enabled and disabled glob patterns.
func NewSelector(enabled, disabled []string) (*Selector, error) {
	s := &Selector{}
	var err error
	if s.enabled, err = compilePatterns(enabled); err != nil {
		return nil, err
	}
	if s.disabled, err = compilePatterns(disabled); err != nil {
		return nil, err
	}
	return s, nil
}

func compilePatterns(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid tool pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Enabled reports whether name passes the selector.
func (s *Selector) Enabled(name string) bool {
	for _, g := range s.disabled {
		if g.Match(name) {
			return false
		}
	}
	for _, g := range s.enabled {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Select filters names, preserving order.
func Select(names, enabled, disabled []string) ([]string, error) {
	s, err := NewSelector(enabled, disabled)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range names {
		if s.Enabled(n) {
			out = append(out, n)
		}
	}
	return out, nil
}
