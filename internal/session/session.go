// Package session holds the state of one orchestration session: the task,
// the current phase and round, and every competitor of every round.
// Components never share mutable state directly; they go through the
// accessors here, each of which holds a short lock and does no I/O under it
// except the ledger append.
package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signalnine/minidani/internal/ledger"
)

type Phase string

const (
	PhaseBranch  Phase = "branch"
	PhaseSetup   Phase = "setup"
	PhaseCompete Phase = "compete"
	PhaseJudge   Phase = "judge"
	PhaseCleanup Phase = "cleanup"
	PhaseDeliver Phase = "deliver"
	PhaseDone    Phase = "done"
)

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

type Session struct {
	ID        string
	Task      string
	Repo      string
	StartedAt time.Time

	ledger *ledger.Ledger

	mu          sync.Mutex
	branchBase  string
	round       int
	phase       Phase
	outcome     Outcome
	winner      string
	prURL       string
	notes       []string
	competitors []*Competitor
}

func New(task, repo string, l *ledger.Ledger) *Session {
	if l == nil {
		l = ledger.Memory()
	}
	return &Session{
		ID:        uuid.NewString(),
		Task:      task,
		Repo:      repo,
		StartedAt: time.Now(),
		ledger:    l,
		round:     1,
		phase:     PhaseBranch,
		outcome:   OutcomePending,
	}
}

func (s *Session) Ledger() *ledger.Ledger { return s.ledger }

// Record appends e to the ledger, filling in the current round and phase
// when they are not set. A failing ledger never stops the session.
func (s *Session) Record(e ledger.Entry) {
	s.mu.Lock()
	if e.Round == 0 {
		e.Round = s.round
	}
	if e.Phase == "" {
		e.Phase = string(s.phase)
	}
	s.mu.Unlock()
	if _, err := s.ledger.Append(e); err != nil {
		log.Printf("warning: ledger append failed: %v", err)
	}
}

func (s *Session) SetPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
	s.Record(ledger.Entry{Event: ledger.EventPhase, Phase: string(p)})
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) SetBranchBase(b string) {
	s.mu.Lock()
	s.branchBase = b
	s.mu.Unlock()
	s.Record(ledger.Entry{Event: ledger.EventBranchNamed, Detail: b})
}

func (s *Session) BranchBase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.branchBase
}

func (s *Session) Round() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

// StartRound sets the current round and creates its pending competitors.
// Records of earlier rounds are kept.
func (s *Session) StartRound(round int, ids []string) ([]*Competitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.competitors {
		if c.Round == round {
			return nil, fmt.Errorf("round %d already started", round)
		}
	}
	s.round = round
	out := make([]*Competitor, 0, len(ids))
	for _, id := range ids {
		c := newCompetitor(round, id)
		s.competitors = append(s.competitors, c)
		out = append(out, c)
	}
	return out, nil
}

// Competitors returns every competitor of every round, in creation order.
func (s *Session) Competitors() []*Competitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Competitor(nil), s.competitors...)
}

func (s *Session) RoundCompetitors(round int) []*Competitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Competitor
	for _, c := range s.competitors {
		if c.Round == round {
			out = append(out, c)
		}
	}
	return out
}

func (s *Session) Find(round int, id string) *Competitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.competitors {
		if c.Round == round && c.ID == id {
			return c
		}
	}
	return nil
}

// RegisterWorkspace attaches a workspace to a competitor. It is called
// before the workspace exists on disk so that cleanup can find it even when
// creation fails halfway.
func (s *Session) RegisterWorkspace(round int, id, path, branch string) error {
	c := s.Find(round, id)
	if c == nil {
		return fmt.Errorf("no competitor %s", Key(round, id))
	}
	c.setWorkspace(path, branch)
	s.Record(ledger.Entry{
		Event:      ledger.EventWorkspaceRegistered,
		Round:      round,
		Competitor: id,
		Detail:     path,
		Data:       map[string]string{"branch": branch},
	})
	return nil
}

func (s *Session) SetWinner(c *Competitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c == nil {
		s.winner = ""
		return
	}
	s.winner = c.Key()
}

func (s *Session) Winner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.winner
}

func (s *Session) SetOutcome(o Outcome) {
	s.mu.Lock()
	s.outcome = o
	s.mu.Unlock()
}

func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

func (s *Session) SetPRURL(u string) {
	s.mu.Lock()
	s.prURL = u
	s.mu.Unlock()
}

func (s *Session) PRURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prURL
}

// AddNote keeps a human-readable remark for the end-of-run summary.
func (s *Session) AddNote(format string, args ...any) {
	s.mu.Lock()
	s.notes = append(s.notes, fmt.Sprintf(format, args...))
	s.mu.Unlock()
}

func (s *Session) Notes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.notes...)
}

// View is a consistent copy of the session for observers.
type View struct {
	ID          string           `json:"id"`
	Task        string           `json:"task"`
	BranchBase  string           `json:"branch_base,omitempty"`
	Round       int              `json:"round"`
	Phase       Phase            `json:"phase"`
	Outcome     Outcome          `json:"outcome"`
	Winner      string           `json:"winner,omitempty"`
	PRURL       string           `json:"pr_url,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	Elapsed     float64          `json:"elapsed_seconds"`
	Notes       []string         `json:"notes,omitempty"`
	Competitors []CompetitorView `json:"competitors"`
}

func (s *Session) Snapshot() View {
	s.mu.Lock()
	v := View{
		ID:         s.ID,
		Task:       s.Task,
		BranchBase: s.branchBase,
		Round:      s.round,
		Phase:      s.phase,
		Outcome:    s.outcome,
		Winner:     s.winner,
		PRURL:      s.prURL,
		StartedAt:  s.StartedAt,
		Elapsed:    time.Since(s.StartedAt).Seconds(),
		Notes:      append([]string(nil), s.notes...),
	}
	comps := append([]*Competitor(nil), s.competitors...)
	s.mu.Unlock()

	for _, c := range comps {
		v.Competitors = append(v.Competitors, c.View())
	}
	return v
}
