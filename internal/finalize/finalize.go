// Package finalize ends a session: it stops whatever is still running,
// removes every losing workspace and delivers the winner, either as a pull
// request or as a commit in the source repository.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/signalnine/minidani/internal/gitops"
	"github.com/signalnine/minidani/internal/ledger"
	"github.com/signalnine/minidani/internal/logging"
	"github.com/signalnine/minidani/internal/retry"
	"github.com/signalnine/minidani/internal/session"
	"github.com/signalnine/minidani/internal/workspace"
)

// ErrNothingToDeliver means the winner left no changes after exclusions.
var ErrNothingToDeliver = errors.New("winner has no changes to deliver")

type Destroyer interface {
	Destroy(ws *workspace.Workspace) error
	Prune() error
}

// Stopper halts execution units that may still be running.
type Stopper interface {
	Stop()
}

// Delivery describes what Finalize produced.
type Delivery struct {
	Branch string   `json:"branch"`
	Files  []string `json:"files"`
	PRURL  string   `json:"pr_url,omitempty"`
	Local  bool     `json:"local,omitempty"` // committed into the source repository
}

type Finalizer struct {
	Session    *session.Session
	Workspaces Destroyer
	Stopper    Stopper
	Repo       string
	Exclude    []string
	NoPR       bool
	Draft      bool
	Describer  Describer
	Publisher  Publisher
	Log        *logging.Logger

	finalizeOnce sync.Once
	delivery     *Delivery
	err          error

	cleanupOnce sync.Once
	cleanupErr  error

	mu        sync.Mutex
	delivered string // key of the winner once delivery succeeded
}

// Finalize runs once; later calls return the first call's result.
func (f *Finalizer) Finalize(ctx context.Context, out *retry.Outcome) (*Delivery, error) {
	f.finalizeOnce.Do(func() {
		f.delivery, f.err = f.finalize(ctx, out)
	})
	return f.delivery, f.err
}

func (f *Finalizer) finalize(ctx context.Context, out *retry.Outcome) (*Delivery, error) {
	if out == nil || out.Winner == nil {
		return nil, errors.New("finalize: no winner")
	}
	if f.Stopper != nil {
		f.Stopper.Stop()
	}

	f.Session.SetPhase(session.PhaseCleanup)
	winner := out.Winner
	removed := 0
	for _, c := range f.Session.Competitors() {
		if c.Key() == winner.Key() {
			continue
		}
		ws := workspaceOf(c)
		if ws == nil {
			continue
		}
		if err := f.Workspaces.Destroy(ws); err != nil {
			f.Log.Warnf("Cleanup: %v", err)
			continue
		}
		removed++
	}
	f.Log.Infof("Removed %d losing workspace(s)", removed)

	f.Session.SetPhase(session.PhaseDeliver)
	d, err := f.deliver(ctx, out)
	if err != nil {
		f.Session.Record(ledger.Entry{
			Event:      ledger.EventDeliveryError,
			Round:      winner.Round,
			Competitor: winner.ID,
			Error:      err.Error(),
		})
		return nil, err
	}
	f.mu.Lock()
	f.delivered = winner.Key()
	f.mu.Unlock()

	data := map[string]string{"branch": d.Branch, "files": fmt.Sprint(len(d.Files))}
	if d.PRURL != "" {
		data["pr_url"] = d.PRURL
		f.Session.SetPRURL(d.PRURL)
	}
	f.Session.Record(ledger.Entry{
		Event:      ledger.EventDelivered,
		Round:      winner.Round,
		Competitor: winner.ID,
		Outcome:    "ok",
		Data:       data,
	})
	return d, nil
}

func (f *Finalizer) deliver(ctx context.Context, out *retry.Outcome) (*Delivery, error) {
	winner := out.Winner
	path, branch := winner.Workspace()
	if path == "" {
		return nil, fmt.Errorf("winner %s has no workspace", winner.Key())
	}
	filter, err := NewFilter(f.Exclude)
	if err != nil {
		return nil, err
	}

	wg := gitops.New(path)
	base, err := f.baseCommit(wg)
	if err != nil {
		return nil, err
	}
	changed, err := wg.ChangedFiles(base)
	if err != nil {
		return nil, fmt.Errorf("listing changes: %w", err)
	}
	files := filter.Keep(changed)
	if len(files) == 0 {
		return nil, ErrNothingToDeliver
	}
	f.Log.Debugf("Delivering %d file(s), %d excluded", len(files), len(changed)-len(files))

	score := 0
	if out.Card != nil {
		score = out.Card.Composite
	}
	msg := fmt.Sprintf("feat: %s\n\nBy competitor %s (Score: %d/100)", f.Session.BranchBase(), strings.ToUpper(winner.ID), score)

	// Only deliverable paths end up in the commit.
	if err := wg.Unstage(); err != nil {
		return nil, err
	}
	if err := wg.Add(files...); err != nil {
		return nil, fmt.Errorf("staging winner changes: %w", err)
	}
	if wg.HasStagedChanges() {
		if err := wg.Commit(msg); err != nil {
			return nil, fmt.Errorf("committing winner changes: %w", err)
		}
	}

	d := &Delivery{Branch: branch, Files: files}
	if f.NoPR {
		if err := f.commitLocal(path, files, msg); err != nil {
			return nil, err
		}
		d.Local = true
		f.Log.Successf("Committed %d file(s) to %s", len(files), f.Repo)
		return d, nil
	}

	desc, err := f.describe(ctx, out, branch, files)
	if err != nil {
		f.Log.Warnf("Describing pull request: %v", err)
	}
	pub := f.Publisher
	if pub == nil {
		pub = &GitHub{}
	}
	url, err := pub.Publish(ctx, path, branch, desc, f.Draft)
	if err != nil {
		return nil, err
	}
	d.PRURL = url
	f.Log.Successf("PR created: %s", url)
	return d, nil
}

// baseCommit is where the winner's branch left the source repository.
func (f *Finalizer) baseCommit(wg *gitops.Git) (string, error) {
	head, err := gitops.New(f.Repo).RevParse("HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving source HEAD: %w", err)
	}
	base, err := wg.MergeBase("HEAD", head)
	if err != nil {
		return head, nil
	}
	return base, nil
}

func (f *Finalizer) describe(ctx context.Context, out *retry.Outcome, branch string, files []string) (Description, error) {
	b := Brief{
		Task:       f.Session.Task,
		BranchBase: f.Session.BranchBase(),
		Branch:     branch,
		Winner:     out.Winner.ID,
		Round:      out.Winner.Round,
		Forced:     out.Forced,
		Summary:    out.Winner.Summary(),
		Files:      files,
	}
	if out.Card != nil {
		b.Score = out.Card.Composite
		b.Rationale = out.Card.Rationale
	}
	d := f.Describer
	if d == nil {
		d = TemplateDescriber{}
	}
	return d.Describe(ctx, b)
}

// commitLocal copies the winner's files into the source repository and
// commits only those paths there.
func (f *Finalizer) commitLocal(src string, files []string, msg string) error {
	for _, rel := range files {
		if err := copyPath(filepath.Join(src, rel), filepath.Join(f.Repo, rel)); err != nil {
			return fmt.Errorf("copying %s: %w", rel, err)
		}
	}
	g := gitops.New(f.Repo)
	if err := g.Add(files...); err != nil {
		return fmt.Errorf("staging in %s: %w", f.Repo, err)
	}
	if err := g.CommitPaths(msg, files...); err != nil {
		return fmt.Errorf("committing in %s: %w", f.Repo, err)
	}
	return nil
}

// copyPath mirrors src at dst. A missing src deletes dst.
func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Cleanup stops execution and destroys every workspace of the session except
// a winner that was delivered. It runs once.
func (f *Finalizer) Cleanup() error {
	f.cleanupOnce.Do(func() {
		f.cleanupErr = f.cleanup()
	})
	return f.cleanupErr
}

func (f *Finalizer) cleanup() error {
	if f.Stopper != nil {
		f.Stopper.Stop()
	}
	f.mu.Lock()
	keep := f.delivered
	f.mu.Unlock()

	var errs []error
	for _, c := range f.Session.Competitors() {
		if keep != "" && c.Key() == keep {
			continue
		}
		ws := workspaceOf(c)
		if ws == nil {
			continue
		}
		if err := f.Workspaces.Destroy(ws); err != nil {
			f.Log.Warnf("Cleanup: %v", err)
			errs = append(errs, err)
		}
	}
	if err := f.Workspaces.Prune(); err != nil {
		f.Log.Debugf("git worktree prune: %v", err)
	}
	return errors.Join(errs...)
}

func workspaceOf(c *session.Competitor) *workspace.Workspace {
	path, branch := c.Workspace()
	if path == "" {
		return nil
	}
	return &workspace.Workspace{Path: path, Branch: branch, Round: c.Round, ID: c.ID}
}
