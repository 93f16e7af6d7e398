// Package orchestrator wires one competitive session together: it names the
// branch, runs rounds until the retry policy accepts a winner, then
// finalizes. Cleanup runs on every exit path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/signalnine/minidani/internal/agent"
	"github.com/signalnine/minidani/internal/artifact"
	"github.com/signalnine/minidani/internal/config"
	"github.com/signalnine/minidani/internal/finalize"
	"github.com/signalnine/minidani/internal/gitops"
	"github.com/signalnine/minidani/internal/judge"
	"github.com/signalnine/minidani/internal/ledger"
	"github.com/signalnine/minidani/internal/llm"
	"github.com/signalnine/minidani/internal/logging"
	"github.com/signalnine/minidani/internal/namer"
	"github.com/signalnine/minidani/internal/result"
	"github.com/signalnine/minidani/internal/retry"
	"github.com/signalnine/minidani/internal/runner"
	"github.com/signalnine/minidani/internal/session"
	"github.com/signalnine/minidani/internal/status"
	"github.com/signalnine/minidani/internal/workspace"
)

const LedgerFile = "ledger.jsonl"

// Options configures a session. Invoker, Evaluator, Publisher and Namer
// replace the ones built from Config when set.
type Options struct {
	Config *config.Config
	Repo   string
	Task   string
	Log    *logging.Logger
	TTY    bool

	Invoker   agent.Invoker
	Evaluator judge.Evaluator
	Publisher finalize.Publisher
	Namer     *namer.Namer
}

// Run executes a whole session and always returns a result describing it,
// along with the error that ended it, if any.
func Run(ctx context.Context, opts Options) (*result.SessionResult, error) {
	cfg := opts.Config
	log := opts.Log
	sys := log.With("Sys")

	repo, err := gitops.New(opts.Repo).TopLevel()
	if err != nil {
		return nil, fmt.Errorf("%s is not a git repository: %w", opts.Repo, err)
	}
	baseHead, err := gitops.New(repo).RevParse("HEAD")
	if err != nil {
		return nil, fmt.Errorf("repository has no commits: %w", err)
	}

	resultsDir := cfg.Results.Dir
	if !filepath.IsAbs(resultsDir) {
		resultsDir = filepath.Join(repo, resultsDir)
	}
	// Keep session records out of git status.
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating results dir: %w", err)
	}
	_ = os.WriteFile(filepath.Join(resultsDir, ".gitignore"), []byte("*\n"), 0o644)

	id := uuid.NewString()
	dir, err := result.CreateSessionDir(resultsDir, id)
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(filepath.Join(dir, LedgerFile))
	if err != nil {
		return nil, err
	}
	defer l.Close()
	sess := session.New(opts.Task, repo, l)
	sess.ID = id
	sess.Record(ledger.Entry{
		Event:  ledger.EventSessionStarted,
		Detail: firstLine(opts.Task),
		Data: map[string]string{
			"session_id":  sess.ID,
			"repo":        repo,
			"base":        baseHead,
			"competitors": fmt.Sprint(cfg.Session.Competitors),
		},
	})
	sys.Printf("MiniDani starting: %d competitors, threshold %d, up to %d round(s)",
		cfg.Session.Competitors, cfg.Session.QualityThreshold, cfg.Session.MaxRounds)
	sys.Debugf("Session %s, records in %s", sess.ID, dir)

	manager := workspace.NewManager(repo, sess, sess, log.With("WS"))
	if err := manager.Prune(); err != nil {
		sys.Debugf("git worktree prune: %v", err)
	}

	invoker := opts.Invoker
	if invoker == nil {
		invoker = NewInvoker(cfg)
	}
	coord := &runner.Coordinator{
		Session:    sess,
		Workspaces: manager,
		Runner: &runner.Runner{
			Invoker:       invoker,
			Recorder:      sess,
			Log:           log,
			MaxIterations: cfg.Session.MaxIterations,
			Timeout:       cfg.Session.CompetitorTimeout,
		},
		IDs: session.IDs(cfg.Session.Competitors),
		Log: log.With("MA"),
	}

	fin := &finalize.Finalizer{
		Session:    sess,
		Workspaces: manager,
		Stopper:    coord,
		Repo:       repo,
		Exclude:    cfg.Finalize.Exclude,
		NoPR:       cfg.Finalize.NoPR,
		Draft:      cfg.Finalize.Draft,
		Describer:  newDescriber(cfg),
		Publisher:  opts.Publisher,
		Log:        log.With("PR"),
	}
	cleaned := false
	cleanup := func() {
		if cleaned {
			return
		}
		cleaned = true
		if err := fin.Cleanup(); err != nil {
			sys.Warnf("Cleanup finished with errors: %v", err)
		}
	}
	defer cleanup()

	display := &status.Display{Session: sess, Log: log, TTY: opts.TTY, Timeout: cfg.Session.CompetitorTimeout}
	stopDisplay := display.Start(ctx)
	defer stopDisplay()
	if cfg.Status.Addr != "" {
		srvCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		srv := &status.Server{Session: sess, Log: log.With("Feed")}
		go func() {
			if err := srv.ListenAndServe(srvCtx, cfg.Status.Addr, nil); err != nil {
				sys.Warnf("Status feed: %v", err)
			}
		}()
	}

	started := time.Now()
	outcome, delivery, runErr := run(ctx, sess, opts, coord, fin, invoker, repo, baseHead)

	if runErr == nil {
		sess.SetOutcome(session.OutcomeSucceeded)
	} else {
		sess.SetOutcome(session.OutcomeFailed)
	}
	failedPhase := sess.Phase()
	if runErr == nil {
		sess.SetPhase(session.PhaseDone)
	}
	stopDisplay()
	// Workspaces go before the final record so result.json and the ledger
	// describe what is left on disk.
	cleanup()

	res := result.FromSnapshot(sess.Snapshot(), time.Now())
	res.Ledger = l.Path()
	res.ElapsedS = time.Since(started).Seconds()
	if outcome != nil {
		res.Forced = outcome.Forced
		res.Rounds = outcome.Rounds
	}
	if runErr != nil {
		res.Error = runErr.Error()
		res.Phase = string(failedPhase)
	}
	entry := ledger.Entry{Event: ledger.EventSessionFinished, Outcome: string(sess.Outcome())}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	if delivery != nil {
		entry.Data = map[string]string{"branch": delivery.Branch}
	}
	sess.Record(entry)
	if err := result.Write(dir, res); err != nil {
		sys.Warnf("Writing result: %v", err)
	}

	if runErr != nil {
		sys.Errorf("Failed during %s: %v", failedPhase, runErr)
		for _, e := range l.Tail(5) {
			sys.Printf("  #%d %s %s %s %s", e.Seq, e.Phase, e.Event, e.Competitor, firstNonEmpty(e.Error, e.Detail))
		}
		return res, runErr
	}
	for _, n := range sess.Notes() {
		sys.Warnf("Note: %s", n)
	}
	sys.Successf("Done in %.1fs", res.ElapsedS)
	return res, nil
}

func run(ctx context.Context, sess *session.Session, opts Options, coord *runner.Coordinator, fin *finalize.Finalizer, invoker agent.Invoker, repo, baseHead string) (*retry.Outcome, *finalize.Delivery, error) {
	cfg := opts.Config
	log := opts.Log

	sess.SetPhase(session.PhaseBranch)
	nm := opts.Namer
	if nm == nil {
		nm = newNamer(cfg, log.With("Sys"))
	}
	base, err := nm.Name(ctx, opts.Task)
	if err != nil {
		return nil, nil, fmt.Errorf("branch name: %w", err)
	}
	sess.SetBranchBase(base)
	log.Successf("Branch: %s", base)

	evaluator := opts.Evaluator
	if evaluator == nil {
		evaluator = newEvaluator(cfg, invoker, repo)
	}
	j := &judge.Judge{
		Evaluator: evaluator,
		Rubric:    judge.FromConfig(cfg.Judge.Rubric),
		Task:      opts.Task,
		Collect: func(ctx context.Context, c *session.Competitor) (*artifact.Digest, error) {
			path, _ := c.Workspace()
			return artifact.Collect(ctx, path, baseHead, cfg.Judge.CheckCmd)
		},
		Recorder: sess,
		Log:      log.With("Judge"),
		Timeout:  cfg.Judge.Timeout,
	}
	ctrl := &retry.Controller{
		Rounds:  coord,
		Judge:   j,
		Policy:  retry.Policy{Threshold: cfg.Session.QualityThreshold, MaxRounds: cfg.Session.MaxRounds},
		Session: sess,
		Log:     log.With("Retry"),
	}
	outcome, err := ctrl.Run(ctx, opts.Task)
	if err != nil {
		return nil, nil, err
	}
	log.Successf("Winner: %s, Score: %d", strings.ToUpper(outcome.Winner.ID), outcome.Card.Composite)
	if ctx.Err() != nil {
		return outcome, nil, fmt.Errorf("%w: %v", retry.ErrAborted, context.Cause(ctx))
	}
	delivery, err := fin.Finalize(ctx, outcome)
	if err != nil {
		return outcome, nil, fmt.Errorf("delivering winner: %w", err)
	}
	return outcome, delivery, nil
}

// NewInvoker builds the agent invoker the config asks for.
func NewInvoker(cfg *config.Config) agent.Invoker {
	a := cfg.Agent
	if a.Backend == "docker" {
		return &agent.DockerInvoker{
			Image:    a.Image,
			Command:  a.Command,
			Args:     a.Args,
			Model:    a.Model,
			Env:      a.Env,
			CPULimit: a.CPULimit,
			MemoryMB: a.MemoryMB,
			Timeout:  cfg.Session.CompetitorTimeout,
		}
	}
	command := a.Command
	if p, err := agent.Lookup(command); err == nil {
		command = p
	}
	return &agent.ExecInvoker{Command: command, Args: a.Args, Model: a.Model, Env: a.Env}
}

func newEvaluator(cfg *config.Config, invoker agent.Invoker, repo string) judge.Evaluator {
	if cfg.Judge.Backend == "http" {
		client, ok := llm.FromEnv(cfg.Judge.BaseURL, cfg.Judge.Model, cfg.Judge.APIKeyEnv)
		if ok {
			return &judge.HTTPEvaluator{Client: client}
		}
		// A missing key makes every round fall back, which is recorded.
		return &judge.HTTPEvaluator{}
	}
	return &judge.AgentEvaluator{Invoker: invoker, Dir: repo}
}

func newNamer(cfg *config.Config, log *logging.Logger) *namer.Namer {
	n := &namer.Namer{Override: cfg.Branch.Name, Prefix: cfg.Branch.Prefix, Log: log}
	if client, ok := llm.FromEnv(cfg.Namer.BaseURL, cfg.Namer.Model, cfg.Namer.APIKeyEnv); ok && cfg.Namer.Model != "" {
		client.Temperature = 0.3
		client.MaxTokens = 50
		n.Client = client
	}
	return n
}

func newDescriber(cfg *config.Config) finalize.Describer {
	client, ok := llm.FromEnv(cfg.Namer.BaseURL, cfg.Namer.Model, cfg.Namer.APIKeyEnv)
	if !ok || cfg.Namer.Model == "" {
		return finalize.TemplateDescriber{}
	}
	return &finalize.LLMDescriber{Client: client}
}

// Aborted reports whether err ended the session because of an interrupt.
func Aborted(err error) bool {
	return errors.Is(err, retry.ErrAborted) || errors.Is(err, context.Canceled)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
