// Package judge scores the completed competitors of a round. The evaluator
// behind it is an untrusted text source: its reply is parsed and validated
// strictly, and any failure falls back to a deterministic winner instead of
// stopping the session.
package judge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/signalnine/minidani/internal/artifact"
	"github.com/signalnine/minidani/internal/ledger"
	"github.com/signalnine/minidani/internal/logging"
	"github.com/signalnine/minidani/internal/session"
)

// SentinelScore is given to the fallback winner when the judge fails.
const SentinelScore = 0

type ScoreCard struct {
	ID        string         `json:"id"`
	Round     int            `json:"round"`
	Composite int            `json:"composite"`
	Criteria  map[string]int `json:"criteria"`
	Rationale string         `json:"rationale,omitempty"`
	Winner    bool           `json:"winner"`
	Fallback  bool           `json:"fallback,omitempty"`
}

func (c *ScoreCard) Key() string { return session.Key(c.Round, c.ID) }

// Verdict is the judged outcome of one round. Exactly one card has Winner set.
type Verdict struct {
	Round     int
	Order     []string
	Cards     map[string]*ScoreCard
	Winner    string
	Rationale string
	Fallback  bool
	Reason    string // why the fallback was used
}

func (v *Verdict) WinnerCard() *ScoreCard { return v.Cards[v.Winner] }

// Evaluator turns a judging prompt into the judge's raw reply.
type Evaluator interface {
	Evaluate(ctx context.Context, prompt string) (string, error)
}

type Recorder interface {
	Record(e ledger.Entry)
	AddNote(format string, args ...any)
}

// Collector gathers evidence about a competitor's workspace.
type Collector func(ctx context.Context, c *session.Competitor) (*artifact.Digest, error)

type Judge struct {
	Evaluator Evaluator
	Rubric    Rubric
	Task      string
	Collect   Collector
	Recorder  Recorder
	Log       *logging.Logger
	Timeout   time.Duration
}

func (j *Judge) record(e ledger.Entry) {
	if j.Recorder != nil {
		j.Recorder.Record(e)
	}
}

// BuildRequest assembles the structured judging request.
func (j *Judge) BuildRequest(ctx context.Context, round int, completed []*session.Competitor) *Request {
	req := &Request{Task: j.Task, Round: round, Rubric: j.Rubric}
	for _, c := range completed {
		path, branch := c.Workspace()
		e := Entry{
			ID:        c.ID,
			Summary:   c.Summary(),
			Files:     c.Files(),
			Workspace: path,
			Branch:    branch,
		}
		if j.Collect != nil {
			d, err := j.Collect(ctx, c)
			if err != nil {
				j.Log.Warnf("Collecting artifacts for %s: %v", c.Key(), err)
			}
			e.Digest = d
			if d != nil && len(e.Files) == 0 {
				e.Files = d.Files
			}
		}
		req.Entries = append(req.Entries, e)
	}
	return req
}

// Score asks the evaluator and validates its reply. Errors are
// *InvocationError or *ValidationError.
func (j *Judge) Score(ctx context.Context, round int, completed []*session.Competitor) (*Verdict, error) {
	req := j.BuildRequest(ctx, round, completed)
	ids := req.IDs()

	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	raw, err := j.Evaluator.Evaluate(ctx, RenderPrompt(req))
	if err != nil {
		return nil, &InvocationError{Err: err}
	}
	resp, err := ParseResponse(raw)
	if err != nil {
		return nil, err
	}
	if err := resp.Validate(ids, j.Rubric); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			ve.Raw = raw
		}
		return nil, err
	}
	v := buildVerdict(round, ids, resp, j.Rubric)
	if v.Winner != resp.Winner {
		j.Log.Warnf("Judge picked %s but %s has the top score; using %s", resp.Winner, v.Winner, v.Winner)
		j.record(ledger.Entry{
			Event:      ledger.EventJudgeOverride,
			Round:      round,
			Competitor: v.Winner,
			Detail:     fmt.Sprintf("judge named %s", resp.Winner),
		})
	}
	return v, nil
}

// Evaluate scores the round and never fails on judge problems: an
// unusable judge yields the fallback verdict. It only errors when there is
// nothing to judge.
func (j *Judge) Evaluate(ctx context.Context, round int, completed []*session.Competitor) (*Verdict, error) {
	if len(completed) == 0 {
		return nil, fmt.Errorf("round %d: nothing to judge", round)
	}
	v, err := j.Score(ctx, round, completed)
	if err != nil {
		event := ledger.EventJudgeInvocationError
		var ve *ValidationError
		if errors.As(err, &ve) {
			event = ledger.EventJudgeValidationError
		}
		j.Log.Warnf("%v; falling back to first completed competitor", err)
		e := ledger.Entry{Event: event, Round: round, Error: err.Error()}
		if ve != nil && ve.Raw != "" {
			e.Data = map[string]string{"raw": truncate(ve.Raw, 2000)}
		}
		j.record(e)
		v = Fallback(round, completed, err)
		if j.Recorder != nil {
			j.Recorder.AddNote("round %d: judge unavailable (%v), %s chosen by fallback", round, err, v.Winner)
		}
	}

	for _, c := range completed {
		if card, ok := v.Cards[c.ID]; ok {
			c.SetScore(card.Composite)
		}
	}
	data := make(map[string]string, len(v.Cards))
	for id, card := range v.Cards {
		data[id] = strconv.Itoa(card.Composite)
	}
	outcome := "scored"
	if v.Fallback {
		outcome = "fallback"
	}
	j.record(ledger.Entry{
		Event:      ledger.EventJudgeScores,
		Round:      round,
		Competitor: v.Winner,
		Detail:     truncate(v.Rationale, 500),
		Outcome:    outcome,
		Data:       data,
	})
	return v, nil
}

// Fallback picks the first completed competitor with the sentinel score.
func Fallback(round int, completed []*session.Competitor, cause error) *Verdict {
	v := &Verdict{Round: round, Cards: make(map[string]*ScoreCard), Fallback: true}
	if cause != nil {
		v.Reason = cause.Error()
	}
	for _, c := range completed {
		v.Order = append(v.Order, c.ID)
		v.Cards[c.ID] = &ScoreCard{
			ID:        c.ID,
			Round:     round,
			Composite: SentinelScore,
			Criteria:  map[string]int{},
			Fallback:  true,
		}
	}
	if len(completed) > 0 {
		v.Winner = completed[0].ID
		v.Cards[v.Winner].Winner = true
		v.Rationale = "judge unavailable; first completed competitor selected"
		v.Cards[v.Winner].Rationale = v.Rationale
	}
	return v
}

// buildVerdict turns a validated reply into score cards and settles the
// winner: the top composite wins; among equal tops criterion priority and
// then competitor order decide.
func buildVerdict(round int, ids []string, resp *Response, rubric Rubric) *Verdict {
	v := &Verdict{
		Round:     round,
		Order:     append([]string(nil), ids...),
		Cards:     make(map[string]*ScoreCard, len(ids)),
		Rationale: resp.Rationale,
	}
	for _, id := range ids {
		v.Cards[id] = &ScoreCard{
			ID:        id,
			Round:     round,
			Composite: resp.Scores[id],
			Criteria:  rubric.Apportion(resp.Scores[id], resp.Criteria[id]),
			Rationale: resp.Rationale,
		}
	}

	top := -1
	for _, id := range ids {
		if s := resp.Scores[id]; s > top {
			top = s
		}
	}
	var tied []string
	for _, id := range ids {
		if resp.Scores[id] == top {
			tied = append(tied, id)
		}
	}
	sort.SliceStable(tied, func(a, b int) bool {
		return rubric.better(v.Cards[tied[a]].Criteria, v.Cards[tied[b]].Criteria)
	})
	winner := tied[0]
	v.Winner = winner
	v.Cards[winner].Winner = true
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
