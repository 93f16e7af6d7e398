package result

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/signalnine/minidani/internal/session"
)

const FileName = "result.json"

// CreateSessionDir makes <baseDir>/sessions/<stamp> and points
// <baseDir>/latest at it.
func CreateSessionDir(baseDir, sessionID string) (string, error) {
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	if len(sessionID) >= 8 {
		stamp += "-" + sessionID[:8]
	}
	dir, err := filepath.Abs(filepath.Join(baseDir, "sessions", stamp))
	if err != nil {
		return "", fmt.Errorf("resolving session dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating session dir: %w", err)
	}
	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(dir, latest); err != nil {
		return "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return dir, nil
}

func Write(dir string, r *SessionResult) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, FileName), append(data, '\n'), 0o644)
}

func Read(path string) (*SessionResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading result: %w", err)
	}
	var r SessionResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing result: %w", err)
	}
	return &r, nil
}

// FromSnapshot fills the session-wide fields of a result from a snapshot.
// Winner details are left to the caller.
func FromSnapshot(v session.View, now time.Time) *SessionResult {
	r := &SessionResult{
		Success:    v.Outcome == session.OutcomeSucceeded,
		SessionID:  v.ID,
		Task:       v.Task,
		WinnerKey:  v.Winner,
		BranchBase: v.BranchBase,
		Rounds:     v.Round,
		Scores:     map[string]int{},
		ElapsedS:   now.Sub(v.StartedAt).Seconds(),
		PRURL:      v.PRURL,
		Phase:      string(v.Phase),
		Notes:      v.Notes,
	}
	for _, c := range v.Competitors {
		cr := CompetitorResult{
			Key:        c.Key,
			ID:         c.ID,
			Round:      c.Round,
			Status:     string(c.Status),
			Score:      c.Score,
			Iterations: c.Iteration,
			DurationS:  c.Elapsed(now).Seconds(),
			Error:      c.Error,
			Files:      c.Files,
		}
		if c.Score != nil {
			r.Scores[c.Key] = *c.Score
		}
		if c.Key == v.Winner {
			r.Winner = c.ID
			r.Branch = c.Branch
			r.Round = c.Round
			if c.Score != nil {
				r.Score = *c.Score
			}
		}
		r.Competitors = append(r.Competitors, cr)
	}
	return r
}
