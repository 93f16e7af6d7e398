package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/signalnine/minidani/internal/ledger"
	"github.com/signalnine/minidani/internal/logging"
	"github.com/signalnine/minidani/internal/session"
	"github.com/signalnine/minidani/internal/workspace"
)

// ErrRoundExhausted means no competitor of a round completed.
var ErrRoundExhausted = errors.New("no competitor completed")

type WorkspaceCreator interface {
	Create(base string, round int, id string) (*workspace.Workspace, error)
}

type CompetitorRunner interface {
	Run(ctx context.Context, c *session.Competitor, task, feedback string)
}

// Coordinator runs one round: it creates every workspace, then runs all
// competitors in parallel and waits for each to reach a terminal status.
type Coordinator struct {
	Session    *session.Session
	Workspaces WorkspaceCreator
	Runner     CompetitorRunner
	IDs        []string
	Log        *logging.Logger
	StopWait   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (co *Coordinator) RunRound(ctx context.Context, round int, task, feedback string) ([]*session.Competitor, error) {
	comps, err := co.Session.StartRound(round, co.IDs)
	if err != nil {
		return nil, err
	}

	co.Session.SetPhase(session.PhaseSetup)
	base := co.Session.BranchBase()
	var ready []*session.Competitor
	for _, c := range comps {
		if ctx.Err() != nil {
			co.fail(c, fmt.Sprintf("aborted before start: %v", ctx.Err()))
			continue
		}
		if _, err := co.Workspaces.Create(base, round, c.ID); err != nil {
			co.Log.Errorf("%v", err)
			co.fail(c, err.Error())
			continue
		}
		ready = append(ready, c)
	}
	co.Log.Infof("Round %d: %d/%d workspaces ready", round, len(ready), len(comps))

	co.Session.SetPhase(session.PhaseCompete)
	roundCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	co.mu.Lock()
	co.cancel, co.done = cancel, done
	co.mu.Unlock()

	jobs := make([]Job, 0, len(ready))
	for _, c := range ready {
		jobs = append(jobs, func() error {
			co.Runner.Run(roundCtx, c, task, feedback)
			return nil
		})
	}
	errs := RunPool(len(comps), jobs)
	cancel()
	close(done)

	// A runner that panicked leaves its competitor non-terminal.
	for _, c := range comps {
		if !c.Status().Terminal() {
			msg := "runner stopped unexpectedly"
			if len(errs) > 0 {
				msg = errors.Join(errs...).Error()
			}
			co.fail(c, msg)
		}
	}

	var completed, excluded []string
	var out []*session.Competitor
	for _, c := range comps {
		if c.Status() == session.StatusCompleted {
			out = append(out, c)
			completed = append(completed, c.ID)
		} else {
			excluded = append(excluded, exclusion(c))
		}
	}
	if len(excluded) > 0 && len(out) > 0 {
		co.Session.AddNote("round %d: excluded %d of %d: %s", round, len(excluded), len(comps), strings.Join(excluded, "; "))
	}
	if len(out) == 0 {
		co.Session.Record(ledger.Entry{Event: ledger.EventRoundExhausted, Round: round, Detail: strings.Join(excluded, "; ")})
		return nil, fmt.Errorf("round %d: %w", round, ErrRoundExhausted)
	}
	co.Log.Infof("Round %d: completed %s", round, strings.Join(completed, ", "))
	return out, nil
}

func (co *Coordinator) fail(c *session.Competitor, msg string) {
	c.SetError(msg)
	if err := c.Transition(session.StatusFailed); err != nil {
		co.Log.Debugf("%v", err)
		return
	}
	co.Session.Record(ledger.Entry{
		Event:      ledger.EventCompetitorFinished,
		Round:      c.Round,
		Competitor: c.ID,
		Outcome:    string(session.StatusFailed),
		Error:      msg,
	})
}

// Stop cancels the running round, if any, and waits a bounded time for its
// competitors to wind down.
func (co *Coordinator) Stop() {
	co.mu.Lock()
	cancel, done := co.cancel, co.done
	co.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	wait := co.StopWait
	if wait <= 0 {
		wait = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(wait):
		co.Log.Warnf("Competitors still running after %s; continuing cleanup", wait)
	}
}

// exclusion describes why a competitor did not reach judging.
func exclusion(c *session.Competitor) string {
	msg := strings.TrimSpace(c.Error())
	if msg == "" {
		return fmt.Sprintf("%s (%s)", c.ID, c.Status())
	}
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if len(msg) > 120 {
		msg = msg[:120] + "..."
	}
	return fmt.Sprintf("%s (%s: %s)", c.ID, c.Status(), msg)
}
