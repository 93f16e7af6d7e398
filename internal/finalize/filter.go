package finalize

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Filter drops paths matching any of the exclude patterns. Patterns use '/'
// as the separator, so "*.log" only matches at the top level and "**/*.log"
// is needed for nested files.
type Filter struct {
	globs []glob.Glob
}

func NewFilter(patterns []string) (*Filter, error) {
	f := &Filter{}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", p, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

func (f *Filter) Excluded(path string) bool {
	for _, g := range f.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// Keep returns the paths that are not excluded, in order.
func (f *Filter) Keep(paths []string) []string {
	var out []string
	for _, p := range paths {
		if !f.Excluded(p) {
			out = append(out, p)
		}
	}
	return out
}
