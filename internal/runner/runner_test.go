package runner_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalnine/minidani/internal/agent"
	"github.com/signalnine/minidani/internal/ledger"
	"github.com/signalnine/minidani/internal/runner"
	"github.com/signalnine/minidani/internal/session"
	"github.com/signalnine/minidani/internal/workspace"
)

// scriptedInvoker answers each competitor from its own queue of replies.
type scriptedInvoker struct {
	mu      sync.Mutex
	replies map[string][]reply
	prompts map[string][]string
}

type reply struct {
	resp  *agent.Response
	err   error
	block bool // wait for the context to end
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req agent.Request) (*agent.Response, error) {
	s.mu.Lock()
	if s.prompts == nil {
		s.prompts = make(map[string][]string)
	}
	s.prompts[req.Identity] = append(s.prompts[req.Identity], req.Prompt)
	q := s.replies[req.Identity]
	var r reply
	if len(q) > 0 {
		r, s.replies[req.Identity] = q[0], q[1:]
	} else {
		r = reply{err: errors.New("no scripted reply")}
	}
	s.mu.Unlock()

	if req.OnOutput != nil {
		req.OnOutput("working on " + req.Identity)
	}
	if r.block {
		<-ctx.Done()
		return nil, &agent.InvocationError{Kind: agent.KindTimeout, Err: ctx.Err()}
	}
	return r.resp, r.err
}

func done(status agent.Status, summary string) reply {
	return reply{resp: &agent.Response{Status: status, Summary: summary}}
}

func newCompetitor(t *testing.T, id string) (*session.Session, *session.Competitor) {
	t.Helper()
	s := session.New("task", "/repo", ledger.Memory())
	cs, err := s.StartRound(1, []string{id})
	if err != nil {
		t.Fatal(err)
	}
	s.RegisterWorkspace(1, id, "/tmp/ws-"+id, "b-r1-"+id)
	return s, cs[0]
}

func TestRunnerOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		replies   []reply
		timeout   time.Duration
		want      session.Status
		wantIters int
		wantErr   string
	}{
		{"complete first try", []reply{done(agent.StatusComplete, "all done")}, 0, session.StatusCompleted, 1, ""},
		{"continue then complete", []reply{done(agent.StatusContinue, "half"), done(agent.StatusComplete, "done")}, 0, session.StatusCompleted, 2, ""},
		{"continue until bound counts as done", []reply{done(agent.StatusContinue, "1"), done(agent.StatusContinue, "2"), done(agent.StatusContinue, "3")}, 0, session.StatusCompleted, 3, ""},
		{"agent reports failure", []reply{done(agent.StatusFailed, "cannot build")}, 0, session.StatusFailed, 1, "cannot build"},
		{"error then recover", []reply{{err: &agent.InvocationError{Kind: agent.KindExit, ExitCode: 1}}, done(agent.StatusComplete, "ok")}, 0, session.StatusCompleted, 2, ""},
		{"errors exhaust bound", []reply{
			{err: &agent.InvocationError{Kind: agent.KindMalformed}},
			{err: &agent.InvocationError{Kind: agent.KindMalformed}},
			{err: &agent.InvocationError{Kind: agent.KindMissing}},
		}, 0, session.StatusFailed, 3, "agent missing"},
		{"hard timeout", []reply{{block: true}}, 50 * time.Millisecond, session.StatusTimedOut, 1, "timed out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, c := newCompetitor(t, "a")
			inv := &scriptedInvoker{replies: map[string][]reply{"a": tt.replies}}
			r := &runner.Runner{Invoker: inv, Recorder: s, MaxIterations: 3, Timeout: tt.timeout}
			r.Run(context.Background(), c, "build it", "")

			if c.Status() != tt.want {
				t.Errorf("status = %s, want %s (err %q)", c.Status(), tt.want, c.Error())
			}
			if c.Iteration() != tt.wantIters {
				t.Errorf("iterations = %d, want %d", c.Iteration(), tt.wantIters)
			}
			if tt.wantErr != "" && !strings.Contains(c.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", c.Error(), tt.wantErr)
			}
			if c.View().LastLog != "working on a" {
				t.Errorf("last log = %q", c.View().LastLog)
			}
		})
	}
}

func TestRunnerAbort(t *testing.T) {
	s, c := newCompetitor(t, "a")
	inv := &scriptedInvoker{replies: map[string][]reply{"a": {{block: true}}}}
	r := &runner.Runner{Invoker: inv, Recorder: s, MaxIterations: 3, Timeout: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	r.Run(ctx, c, "build it", "")
	if c.Status() != session.StatusFailed || !strings.Contains(c.Error(), "aborted") {
		t.Errorf("status = %s, error = %q", c.Status(), c.Error())
	}
}

func TestRunnerPromptCarriesFeedbackAndSummary(t *testing.T) {
	s, c := newCompetitor(t, "a")
	inv := &scriptedInvoker{replies: map[string][]reply{"a": {done(agent.StatusContinue, "wrote the model"), done(agent.StatusComplete, "done")}}}
	r := &runner.Runner{Invoker: inv, Recorder: s, MaxIterations: 3}
	r.Run(context.Background(), c, "build it", "Previous round scored low")

	prompts := inv.prompts["a"]
	if len(prompts) != 2 {
		t.Fatalf("expected 2 prompts, got %d", len(prompts))
	}
	if !strings.Contains(prompts[0], "build it") || !strings.Contains(prompts[0], "Previous round scored low") {
		t.Errorf("first prompt = %q", prompts[0])
	}
	if !strings.Contains(prompts[1], "wrote the model") || !strings.Contains(prompts[1], "turn 2") {
		t.Errorf("continuation prompt = %q", prompts[1])
	}
	if !strings.Contains(prompts[0], agent.StatusFileName) {
		t.Error("prompt should describe the status file")
	}
}

// fakeWorkspaces creates nothing on disk but registers like the real manager.
type fakeWorkspaces struct {
	mu      sync.Mutex
	sess    *session.Session
	fail    map[string]bool
	created []string
}

func (f *fakeWorkspaces) Create(base string, round int, id string) (*workspace.Workspace, error) {
	ws := &workspace.Workspace{Path: "/tmp/" + workspace.BranchName(base, round, id), Branch: workspace.BranchName(base, round, id), Round: round, ID: id}
	if err := f.sess.RegisterWorkspace(round, id, ws.Path, ws.Branch); err != nil {
		return nil, err
	}
	if f.fail[id] {
		return nil, &workspace.CreationError{Round: round, ID: id, Err: fmt.Errorf("disk full")}
	}
	f.mu.Lock()
	f.created = append(f.created, session.Key(round, id))
	f.mu.Unlock()
	return ws, nil
}

func newCoordinator(replies map[string][]reply) (*runner.Coordinator, *fakeWorkspaces, *session.Session) {
	s := session.New("task", "/repo", ledger.Memory())
	s.SetBranchBase("feature")
	ws := &fakeWorkspaces{sess: s}
	co := &runner.Coordinator{
		Session:    s,
		Workspaces: ws,
		Runner:     &runner.Runner{Invoker: &scriptedInvoker{replies: replies}, Recorder: s, MaxIterations: 1},
		IDs:        session.IDs(3),
	}
	return co, ws, s
}

func TestCoordinatorExcludesFailedCompetitor(t *testing.T) {
	co, ws, s := newCoordinator(map[string][]reply{
		"a": {done(agent.StatusComplete, "a done")},
		"b": {{err: &agent.InvocationError{Kind: agent.KindExit, ExitCode: 2}}},
		"c": {done(agent.StatusComplete, "c done")},
	})
	completed, err := co.RunRound(context.Background(), 1, "task", "")
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	if len(completed) != 2 || completed[0].ID != "a" || completed[1].ID != "c" {
		t.Fatalf("completed = %v", completed)
	}
	if len(ws.created) != 3 {
		t.Errorf("workspaces created = %d, want one per competitor", len(ws.created))
	}
	b := s.Find(1, "b")
	if b.Status() != session.StatusFailed || !strings.Contains(b.Error(), "code 2") {
		t.Errorf("b = %s %q", b.Status(), b.Error())
	}
	if notes := s.Notes(); len(notes) != 1 || !strings.Contains(notes[0], "excluded 1 of 3: b (failed: ") || !strings.Contains(notes[0], "code 2") {
		t.Errorf("notes = %v", notes)
	}
}

func TestCoordinatorWorkspaceFailureIsolated(t *testing.T) {
	co, ws, s := newCoordinator(map[string][]reply{
		"a": {done(agent.StatusComplete, "a")},
		"c": {done(agent.StatusComplete, "c")},
	})
	ws.fail = map[string]bool{"b": true}
	completed, err := co.RunRound(context.Background(), 1, "task", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 2 {
		t.Errorf("completed = %d", len(completed))
	}
	if path, _ := s.Find(1, "b").Workspace(); path == "" {
		t.Error("failed workspace must still be registered for cleanup")
	}
}

func TestCoordinatorRoundExhausted(t *testing.T) {
	co, _, s := newCoordinator(map[string][]reply{
		"a": {done(agent.StatusFailed, "no")},
		"b": {done(agent.StatusFailed, "no")},
		"c": {done(agent.StatusFailed, "no")},
	})
	_, err := co.RunRound(context.Background(), 1, "task", "")
	if !errors.Is(err, runner.ErrRoundExhausted) {
		t.Fatalf("expected ErrRoundExhausted, got %v", err)
	}
	last := s.Ledger().Tail(1)[0]
	if last.Event != ledger.EventRoundExhausted {
		t.Errorf("last ledger event = %s", last.Event)
	}
}

type panickyRunner struct{}

func (panickyRunner) Run(ctx context.Context, c *session.Competitor, task, feedback string) {
	c.Transition(session.StatusRunning)
	if c.ID == "b" {
		panic("boom")
	}
	c.Transition(session.StatusCompleted)
}

func TestCoordinatorRecoversRunnerPanic(t *testing.T) {
	co, _, s := newCoordinator(nil)
	co.Runner = panickyRunner{}
	completed, err := co.RunRound(context.Background(), 1, "task", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 2 {
		t.Errorf("completed = %d", len(completed))
	}
	b := s.Find(1, "b")
	if b.Status() != session.StatusFailed || !strings.Contains(b.Error(), "boom") {
		t.Errorf("b = %s %q", b.Status(), b.Error())
	}
}

func TestCoordinatorStop(t *testing.T) {
	co, _, s := newCoordinator(map[string][]reply{
		"a": {{block: true}},
		"b": {{block: true}},
		"c": {{block: true}},
	})
	co.StopWait = 5 * time.Second
	co.Stop() // no round running: no-op

	errc := make(chan error, 1)
	go func() {
		_, err := co.RunRound(context.Background(), 1, "task", "")
		errc <- err
	}()
	waitFor(t, func() bool {
		cs := s.RoundCompetitors(1)
		if len(cs) != 3 {
			return false
		}
		for _, c := range cs {
			if c.Status() != session.StatusRunning {
				return false
			}
		}
		return true
	})
	co.Stop()
	if err := <-errc; !errors.Is(err, runner.ErrRoundExhausted) {
		t.Errorf("expected exhausted round after stop, got %v", err)
	}
	for _, c := range s.RoundCompetitors(1) {
		if !c.Status().Terminal() {
			t.Errorf("%s not terminal after Stop", c.Key())
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
