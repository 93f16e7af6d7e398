package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/signalnine/minidani/internal/agent"
	"github.com/signalnine/minidani/internal/ledger"
	"github.com/signalnine/minidani/internal/logging"
	"github.com/signalnine/minidani/internal/session"
)

type Recorder interface {
	Record(e ledger.Entry)
}

// Runner drives one competitor's agent through its iterations. It never
// returns an error: every failure ends up as the competitor's terminal
// status and error text.
type Runner struct {
	Invoker       agent.Invoker
	Recorder      Recorder
	Log           *logging.Logger
	MaxIterations int
	Timeout       time.Duration
}

func (r *Runner) record(e ledger.Entry) {
	if r.Recorder != nil {
		r.Recorder.Record(e)
	}
}

func (r *Runner) Run(ctx context.Context, c *session.Competitor, task, feedback string) {
	log := r.Log.With("M" + c.ID)
	dir, _ := c.Workspace()
	if err := c.Transition(session.StatusRunning); err != nil {
		log.Errorf("Cannot start: %v", err)
		return
	}
	r.record(ledger.Entry{Event: ledger.EventCompetitorStarted, Round: c.Round, Competitor: c.ID, Detail: dir})
	log.Infof("Started in %s", dir)

	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	maxIter := r.MaxIterations
	if maxIter < 1 {
		maxIter = 1
	}

	var lastErr error
	previous := ""
	for {
		it := c.NextIteration()
		log.Debugf("Iteration %d/%d", it, maxIter)
		resp, err := r.Invoker.Invoke(runCtx, agent.Request{
			Prompt:   BuildPrompt(task, feedback, it, previous),
			Dir:      dir,
			Identity: c.ID,
			OnOutput: c.SetLastLog,
		})
		if err != nil {
			lastErr = err
			log.Warnf("Iteration %d failed: %v", it, err)
			r.record(ledger.Entry{
				Event:      ledger.EventCompetitorError,
				Round:      c.Round,
				Competitor: c.ID,
				Error:      err.Error(),
				Data:       map[string]string{"iteration": strconv.Itoa(it)},
			})
			if runCtx.Err() != nil || it >= maxIter {
				break
			}
			continue
		}

		lastErr = nil
		c.SetResult(resp.Summary, resp.Files)
		previous = resp.Summary
		r.record(ledger.Entry{
			Event:      ledger.EventCompetitorIteration,
			Round:      c.Round,
			Competitor: c.ID,
			Outcome:    string(resp.Status),
			Data:       map[string]string{"iteration": strconv.Itoa(it)},
		})
		switch {
		case resp.Status == agent.StatusComplete:
			r.finish(c, session.StatusCompleted, "")
			return
		case resp.Status == agent.StatusFailed:
			msg := resp.Summary
			if msg == "" {
				msg = "agent reported failure"
			}
			r.finish(c, session.StatusFailed, msg)
			return
		case it >= maxIter:
			log.Infof("Iteration limit reached while still in progress; accepting current work")
			r.finish(c, session.StatusCompleted, "")
			return
		}
	}

	switch {
	case ctx.Err() != nil:
		r.finish(c, session.StatusFailed, fmt.Sprintf("aborted: %v", ctx.Err()))
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		r.finish(c, session.StatusTimedOut, fmt.Sprintf("timed out after %s", r.Timeout))
	default:
		r.finish(c, session.StatusFailed, lastErr.Error())
	}
}

func (r *Runner) finish(c *session.Competitor, st session.Status, errText string) {
	log := r.Log.With("M" + c.ID)
	if errText != "" {
		c.SetError(errText)
	}
	if err := c.Transition(st); err != nil {
		log.Errorf("%v", err)
		return
	}
	r.record(ledger.Entry{
		Event:      ledger.EventCompetitorFinished,
		Round:      c.Round,
		Competitor: c.ID,
		Outcome:    string(st),
		Error:      errText,
		Data:       map[string]string{"iterations": strconv.Itoa(c.Iteration())},
	})
	if st == session.StatusCompleted {
		log.Successf("Completed after %d iteration(s)", c.Iteration())
	} else {
		log.Errorf("%s: %s", st, errText)
	}
}
