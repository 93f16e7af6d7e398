// Package ledger keeps the append-only JSONL record of everything that
// happened during a session. Entries are never rewritten.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Event names written by the orchestrator.
const (
	EventSessionStarted        = "session_started"
	EventPhase                 = "phase"
	EventBranchNamed           = "branch_named"
	EventWorkspaceRegistered   = "workspace_registered"
	EventWorkspaceCreated      = "workspace_created"
	EventWorkspaceCreateError  = "workspace_create_error"
	EventWorkspaceDestroyed    = "workspace_destroyed"
	EventWorkspaceCleanupError = "workspace_cleanup_error"
	EventCompetitorStarted     = "competitor_started"
	EventCompetitorIteration   = "competitor_iteration"
	EventCompetitorError       = "competitor_error"
	EventCompetitorFinished    = "competitor_finished"
	EventRoundExhausted        = "round_exhausted"
	EventJudgeScores           = "judge_scores"
	EventJudgeValidationError  = "judge_validation_error"
	EventJudgeInvocationError  = "judge_invocation_error"
	EventJudgeOverride         = "judge_override"
	EventRetryTransition       = "retry_transition"
	EventDelivered             = "delivered"
	EventDeliveryError         = "delivery_error"
	EventSessionAborted        = "session_aborted"
	EventSessionFinished       = "session_finished"
)

type Entry struct {
	Seq        int               `json:"seq"`
	Time       time.Time         `json:"ts"`
	Round      int               `json:"round,omitempty"`
	Phase      string            `json:"phase,omitempty"`
	Competitor string            `json:"competitor,omitempty"`
	Event      string            `json:"event"`
	Outcome    string            `json:"outcome,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	Error      string            `json:"error,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

const tailSize = 50

// Ledger appends entries to a JSONL file. A Ledger opened with an empty path
// only keeps the in-memory tail.
type Ledger struct {
	mu   sync.Mutex
	path string
	f    *os.File
	seq  int
	tail []Entry
	now  func() time.Time
}

func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path, now: func() time.Time { return time.Now().UTC() }}
	if path == "" {
		return l, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	l.f = f
	return l, nil
}

// Memory returns a ledger with no backing file.
func Memory() *Ledger {
	l, _ := Open("")
	return l
}

func (l *Ledger) Path() string { return l.path }

// Append assigns the next sequence number and timestamp to e and writes it.
func (l *Ledger) Append(e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	e.Seq = l.seq
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	l.tail = append(l.tail, e)
	if len(l.tail) > tailSize {
		l.tail = l.tail[len(l.tail)-tailSize:]
	}
	if l.f == nil {
		return e, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return e, fmt.Errorf("encoding ledger entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := l.f.Write(data); err != nil {
		return e, fmt.Errorf("writing ledger entry: %w", err)
	}
	return e, nil
}

// Tail returns up to n of the most recent entries, oldest first.
func (l *Ledger) Tail(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.tail) {
		n = len(l.tail)
	}
	out := make([]Entry, n)
	copy(out, l.tail[len(l.tail)-n:])
	return out
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Read loads every entry of a ledger file.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return entries, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}
