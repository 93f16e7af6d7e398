// Package retry decides, round by round, whether the best attempt so far is
// good enough or whether the competitors should try again.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/signalnine/minidani/internal/judge"
	"github.com/signalnine/minidani/internal/ledger"
	"github.com/signalnine/minidani/internal/logging"
	"github.com/signalnine/minidani/internal/runner"
	"github.com/signalnine/minidani/internal/session"
)

type State string

const (
	StateRoundRunning State = "ROUND_RUNNING"
	StateScored       State = "SCORED"
	StateAccepted     State = "ACCEPTED"
	StateRetrying     State = "RETRYING"
	StateDone         State = "DONE"
	StateFailed       State = "FAILED"
)

// ErrAborted is returned when the operator interrupts the session.
var ErrAborted = errors.New("session aborted")

type RoundRunner interface {
	RunRound(ctx context.Context, round int, task, feedback string) ([]*session.Competitor, error)
}

type Scorer interface {
	Evaluate(ctx context.Context, round int, completed []*session.Competitor) (*judge.Verdict, error)
}

type Policy struct {
	Threshold int
	MaxRounds int
}

// Outcome is the accepted result of a session.
type Outcome struct {
	Winner *session.Competitor
	Card   *judge.ScoreCard
	Round  int  // round the winner came from
	Rounds int  // rounds actually run
	Forced bool // accepted below threshold because rounds ran out
}

type Controller struct {
	Rounds  RoundRunner
	Judge   Scorer
	Policy  Policy
	Session *session.Session
	Log     *logging.Logger

	state State
}

func (c *Controller) State() State { return c.state }

func (c *Controller) transition(to State, detail string) {
	from := c.state
	c.state = to
	c.Log.Debugf("%s -> %s %s", from, to, detail)
	if c.Session != nil {
		c.Session.Record(ledger.Entry{
			Event:   ledger.EventRetryTransition,
			Outcome: string(to),
			Detail:  strings.TrimSpace(fmt.Sprintf("%s -> %s %s", from, to, detail)),
		})
	}
}

// Run drives rounds until one is accepted. The returned outcome carries the
// best competitor of any round; an earlier round wins ties.
func (c *Controller) Run(ctx context.Context, task string) (*Outcome, error) {
	maxRounds := c.Policy.MaxRounds
	if maxRounds < 1 {
		maxRounds = 1
	}
	var (
		best     *Outcome
		verdict  *judge.Verdict
		feedback string
		round    = 1
	)
	c.state = ""
	c.transition(StateRoundRunning, fmt.Sprintf("round %d", round))

	for {
		switch c.state {
		case StateRoundRunning:
			if ctx.Err() != nil {
				return c.abort(ctx)
			}
			completed, err := c.Rounds.RunRound(ctx, round, task, feedback)
			if ctx.Err() != nil {
				return c.abort(ctx)
			}
			if err != nil {
				if errors.Is(err, runner.ErrRoundExhausted) && best != nil {
					c.Log.Warnf("Round %d produced nothing; keeping round %d winner", round, best.Round)
					best.Rounds = round
					best.Forced = true
					c.transition(StateAccepted, "best of earlier rounds")
					continue
				}
				c.transition(StateFailed, err.Error())
				return nil, err
			}
			if c.Session != nil {
				c.Session.SetPhase(session.PhaseJudge)
			}
			verdict, err = c.Judge.Evaluate(ctx, round, completed)
			if err != nil {
				c.transition(StateFailed, err.Error())
				return nil, err
			}
			best = c.keepBest(best, verdict, completed, round)
			c.transition(StateScored, fmt.Sprintf("round %d winner %s scored %d", round, verdict.Winner, verdict.WinnerCard().Composite))

		case StateScored:
			top := verdict.WinnerCard().Composite
			switch {
			case top >= c.Policy.Threshold:
				best.Forced = best.Card.Composite < c.Policy.Threshold
				c.transition(StateAccepted, fmt.Sprintf("score %d >= %d", top, c.Policy.Threshold))
			case round >= maxRounds:
				best.Forced = true
				c.Log.Warnf("Quality %d below threshold %d after %d round(s); accepting best result", best.Card.Composite, c.Policy.Threshold, round)
				c.transition(StateAccepted, "rounds exhausted")
			default:
				c.Log.Warnf("Quality %d below threshold %d; retrying", top, c.Policy.Threshold)
				c.transition(StateRetrying, fmt.Sprintf("score %d < %d", top, c.Policy.Threshold))
			}

		case StateRetrying:
			feedback = Feedback(verdict)
			round++
			c.transition(StateRoundRunning, fmt.Sprintf("round %d", round))

		case StateAccepted:
			best.Rounds = round
			if c.Session != nil {
				c.Session.SetWinner(best.Winner)
			}
			c.transition(StateDone, fmt.Sprintf("winner %s", best.Winner.Key()))

		case StateDone:
			return best, nil

		default:
			return nil, fmt.Errorf("retry controller in unknown state %q", c.state)
		}
	}
}

func (c *Controller) keepBest(best *Outcome, v *judge.Verdict, completed []*session.Competitor, round int) *Outcome {
	card := v.WinnerCard()
	if best != nil && best.Card.Composite >= card.Composite {
		return best
	}
	for _, comp := range completed {
		if comp.ID == v.Winner {
			return &Outcome{Winner: comp, Card: card, Round: round}
		}
	}
	return best
}

func (c *Controller) abort(ctx context.Context) (*Outcome, error) {
	c.transition(StateFailed, "interrupted")
	if c.Session != nil {
		c.Session.Record(ledger.Entry{Event: ledger.EventSessionAborted, Error: ctx.Err().Error()})
	}
	return nil, fmt.Errorf("%w: %v", ErrAborted, context.Cause(ctx))
}

const qualityNudge = "IMPORTANT: Previous round had low quality. Focus on complete implementation, tests, docs, error handling."

// Feedback builds the instructions for the next round from a rejected
// round's verdict.
func Feedback(v *judge.Verdict) string {
	if v == nil {
		return qualityNudge
	}
	var b strings.Builder
	b.WriteString(qualityNudge)
	if card := v.WinnerCard(); card != nil {
		fmt.Fprintf(&b, "\nThe best attempt of round %d scored %d/100.", v.Round, card.Composite)
	}
	if !v.Fallback && strings.TrimSpace(v.Rationale) != "" {
		fmt.Fprintf(&b, "\nReviewer notes: %s", strings.TrimSpace(v.Rationale))
	}
	return b.String()
}
