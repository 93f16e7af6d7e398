package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusTimedOut},
}

// IDs returns the identity tokens for n competitors: a, b, c, ...
func IDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = string(rune('a' + i))
	}
	return ids
}

// Key identifies a competitor across rounds.
func Key(round int, id string) string {
	return fmt.Sprintf("r%d-%s", round, id)
}

// Competitor is one agent's attempt in one round. ID and Round never change;
// everything else is guarded by mu.
type Competitor struct {
	ID    string
	Round int

	mu         sync.Mutex
	status     Status
	iteration  int
	workspace  string
	branch     string
	score      *int
	summary    string
	errText    string
	files      []string
	lastLog    string
	startedAt  time.Time
	finishedAt time.Time
}

func newCompetitor(round int, id string) *Competitor {
	return &Competitor{ID: id, Round: round, status: StatusPending}
}

func (c *Competitor) Key() string { return Key(c.Round, c.ID) }

// Transition moves the competitor forward. Terminal states are final.
func (c *Competitor) Transition(to Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, allowed := range transitions[c.status] {
		if allowed == to {
			c.status = to
			now := time.Now()
			if to == StatusRunning {
				c.startedAt = now
			}
			if to.Terminal() {
				c.finishedAt = now
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, c.Key(), c.status, to)
}

func (c *Competitor) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Competitor) setWorkspace(path, branch string) {
	c.mu.Lock()
	c.workspace = path
	c.branch = branch
	c.mu.Unlock()
}

func (c *Competitor) Workspace() (path, branch string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workspace, c.branch
}

// NextIteration increments and returns the iteration counter.
func (c *Competitor) NextIteration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.iteration++
	return c.iteration
}

func (c *Competitor) Iteration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iteration
}

func (c *Competitor) SetResult(summary string, files []string) {
	c.mu.Lock()
	c.summary = summary
	c.files = append([]string(nil), files...)
	c.mu.Unlock()
}

func (c *Competitor) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

func (c *Competitor) Files() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.files...)
}

func (c *Competitor) SetError(text string) {
	c.mu.Lock()
	c.errText = text
	c.mu.Unlock()
}

func (c *Competitor) Error() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errText
}

func (c *Competitor) SetScore(score int) {
	c.mu.Lock()
	c.score = &score
	c.mu.Unlock()
}

// Score returns the judged score and whether one has been assigned.
func (c *Competitor) Score() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.score == nil {
		return 0, false
	}
	return *c.score, true
}

// SetLastLog records the most recent output line for observers.
func (c *Competitor) SetLastLog(line string) {
	c.mu.Lock()
	c.lastLog = line
	c.mu.Unlock()
}

// CompetitorView is a point-in-time copy of a Competitor.
type CompetitorView struct {
	Key        string    `json:"key"`
	ID         string    `json:"id"`
	Round      int       `json:"round"`
	Status     Status    `json:"status"`
	Iteration  int       `json:"iteration"`
	Workspace  string    `json:"workspace,omitempty"`
	Branch     string    `json:"branch,omitempty"`
	Score      *int      `json:"score,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Error      string    `json:"error,omitempty"`
	Files      []string  `json:"files,omitempty"`
	LastLog    string    `json:"last_log,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Elapsed is the running time so far, or the total once terminal.
func (v CompetitorView) Elapsed(now time.Time) time.Duration {
	if v.StartedAt.IsZero() {
		return 0
	}
	if !v.FinishedAt.IsZero() {
		return v.FinishedAt.Sub(v.StartedAt)
	}
	return now.Sub(v.StartedAt)
}

func (c *Competitor) View() CompetitorView {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := CompetitorView{
		Key:        c.Key(),
		ID:         c.ID,
		Round:      c.Round,
		Status:     c.status,
		Iteration:  c.iteration,
		Workspace:  c.workspace,
		Branch:     c.branch,
		Summary:    c.summary,
		Error:      c.errText,
		Files:      append([]string(nil), c.files...),
		LastLog:    c.lastLog,
		StartedAt:  c.startedAt,
		FinishedAt: c.finishedAt,
	}
	if c.score != nil {
		s := *c.score
		v.Score = &s
	}
	return v
}
