// Package report renders stored session results.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/signalnine/minidani/internal/result"
)

// Generate renders the result found at path. path may be a result.json
// file, a session directory or a results directory holding many sessions;
// one session is shown in detail, several as a summary.
func Generate(path, format string, w io.Writer) error {
	results, err := collect(path)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return fmt.Errorf("no %s found under %s", result.FileName, path)
	}
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if len(results) == 1 {
			return enc.Encode(results[0])
		}
		return enc.Encode(results)
	}
	if len(results) == 1 {
		return Session(results[0], format, w)
	}
	return Sessions(results, format, w)
}

func collect(path string) ([]*result.SessionResult, error) {
	path, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		r, err := result.Read(path)
		if err != nil {
			return nil, err
		}
		return []*result.SessionResult{r}, nil
	}
	var results []*result.SessionResult
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		// latest points back into sessions/.
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}
		if d.Name() == result.FileName {
			r, err := result.Read(p)
			if err != nil {
				return nil
			}
			results = append(results, r)
		}
		return nil
	})
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].SessionID < results[j].SessionID
	})
	return results, err
}

func render(tw table.Writer, format string) {
	if format == "markdown" {
		tw.RenderMarkdown()
		return
	}
	tw.SetStyle(table.StyleLight)
	tw.Render()
}

// Session shows one session's outcome and every competitor of every round.
func Session(r *result.SessionResult, format string, w io.Writer) error {
	outcome := "FAILED"
	if r.Success {
		outcome = "SUCCESS"
	}
	if format == "markdown" {
		fmt.Fprintf(w, "## Session %s: %s\n\n", r.SessionID, outcome)
	} else {
		fmt.Fprintf(w, "Session %s: %s\n", r.SessionID, outcome)
	}
	fmt.Fprintf(w, "Task:    %s\n", firstLine(r.Task))
	if r.WinnerKey != "" {
		forced := ""
		if r.Forced {
			forced = " (below threshold)"
		}
		fmt.Fprintf(w, "Winner:  %s on %s, score %d/100%s\n", strings.ToUpper(r.Winner), r.Branch, r.Score, forced)
	}
	if r.PRURL != "" {
		fmt.Fprintf(w, "PR:      %s\n", r.PRURL)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error:   %s (phase %s)\n", r.Error, r.Phase)
	}
	fmt.Fprintf(w, "Rounds:  %d, elapsed %.0fs\n", r.Rounds, r.ElapsedS)
	for _, n := range r.Notes {
		fmt.Fprintf(w, "Note:    %s\n", n)
	}
	fmt.Fprintln(w)

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Competitor", "Round", "Status", "Score", "Iterations", "Duration", "Files", "Error"})
	for _, c := range r.Competitors {
		score := "-"
		if c.Score != nil {
			score = fmt.Sprint(*c.Score)
		}
		name := strings.ToUpper(c.ID)
		if c.Key == r.WinnerKey {
			name += " *"
		}
		tw.AppendRow(table.Row{name, c.Round, c.Status, score, c.Iterations, fmt.Sprintf("%.0fs", c.DurationS), len(c.Files), truncate(c.Error, 60)})
	}
	render(tw, format)
	return nil
}

// Sessions summarizes many sessions, one row each.
func Sessions(rs []*result.SessionResult, format string, w io.Writer) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Session", "Outcome", "Winner", "Score", "Rounds", "Elapsed", "Task"})
	passed := 0
	for _, r := range rs {
		outcome := "failed"
		if r.Success {
			outcome = "succeeded"
			passed++
		}
		winner, score := "-", "-"
		if r.WinnerKey != "" {
			winner = r.WinnerKey
			score = fmt.Sprint(r.Score)
		}
		id := r.SessionID
		if len(id) > 8 {
			id = id[:8]
		}
		tw.AppendRow(table.Row{id, outcome, winner, score, r.Rounds, fmt.Sprintf("%.0fs", r.ElapsedS), truncate(firstLine(r.Task), 50)})
	}
	tw.AppendFooter(table.Row{fmt.Sprintf("%d sessions", len(rs)), fmt.Sprintf("%d ok", passed)})
	render(tw, format)
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
