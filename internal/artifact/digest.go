// Package artifact summarizes what a competitor produced so the judge sees
// evidence rather than just the agent's own account of its work.
package artifact

import (
	"context"
	"fmt"
	"sort"

	"github.com/signalnine/minidani/internal/gitops"
)

const diffLimit = 20000

type Digest struct {
	Files     []string     `json:"files_changed"`
	Additions int          `json:"additions"`
	Deletions int          `json:"deletions"`
	Metrics   *Metrics     `json:"metrics"`
	Check     *CheckResult `json:"check,omitempty"`
	Diff      string       `json:"diff"`
	Truncated bool         `json:"diff_truncated,omitempty"`
}

// Collect stages the workspace, diffs it against base and measures the
// changed files. When checkCmd is set it is run in the workspace too.
func Collect(ctx context.Context, dir, base, checkCmd string) (*Digest, error) {
	diff, err := gitops.CaptureChanges(dir, base)
	if err != nil {
		return nil, fmt.Errorf("capturing changes: %w", err)
	}
	stats, err := gitops.New(dir).Numstat(base)
	if err != nil {
		return nil, fmt.Errorf("diff stat: %w", err)
	}

	d := &Digest{Diff: string(diff)}
	for _, s := range stats {
		d.Files = append(d.Files, s.Path)
		d.Additions += s.Additions
		d.Deletions += s.Deletions
	}
	sort.Strings(d.Files)
	if len(d.Diff) > diffLimit {
		d.Diff = d.Diff[:diffLimit]
		d.Truncated = true
	}
	d.Metrics = ComputeMetrics(dir, d.Files)

	if checkCmd != "" {
		res, err := RunCheck(ctx, dir, checkCmd)
		if err != nil {
			return d, err
		}
		d.Check = res
	}
	return d, nil
}
