// Package workspace creates and destroys the isolated git worktrees that
// competitors work in. Worktrees are siblings of the source repository, one
// per competitor per round, each on its own branch.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/signalnine/minidani/internal/gitops"
	"github.com/signalnine/minidani/internal/ledger"
	"github.com/signalnine/minidani/internal/logging"
)

type Workspace struct {
	Path   string
	Branch string
	Base   string // commit the worktree was created from
	Round  int
	ID     string
}

// CreationError is fatal for one competitor only.
type CreationError struct {
	Round int
	ID    string
	Err   error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("creating workspace r%d-%s: %v", e.Round, e.ID, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// CleanupError is logged and never aborts a session.
type CleanupError struct {
	Path string
	Err  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("removing workspace %s: %v", e.Path, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// Registry learns about a workspace before it exists on disk.
type Registry interface {
	RegisterWorkspace(round int, id, path, branch string) error
}

// Recorder receives ledger entries for workspace events.
type Recorder interface {
	Record(e ledger.Entry)
}

// BranchName returns the branch for one competitor in one round.
func BranchName(base string, round int, id string) string {
	return fmt.Sprintf("%s-r%d-%s", base, round, id)
}

// DirName returns the sibling directory for one competitor in one round.
// Only the last segment of the branch base is used so the path never
// contains the branch prefix's slashes.
func DirName(repo, base string, round int, id string) string {
	seg := base
	if i := strings.LastIndex(seg, "/"); i >= 0 {
		seg = seg[i+1:]
	}
	repo = filepath.Clean(repo)
	name := fmt.Sprintf("%s_%s_r%d_%s", filepath.Base(repo), seg, round, id)
	return filepath.Join(filepath.Dir(repo), name)
}

type Manager struct {
	Repo     string
	Registry Registry
	Recorder Recorder
	Log      *logging.Logger

	git *gitops.Git
	mu  sync.Mutex // serializes git operations on the source repository
}

func NewManager(repo string, reg Registry, rec Recorder, log *logging.Logger) *Manager {
	return &Manager{
		Repo:     repo,
		Registry: reg,
		Recorder: rec,
		Log:      log,
		git:      gitops.New(repo),
	}
}

func (m *Manager) record(e ledger.Entry) {
	if m.Recorder != nil {
		m.Recorder.Record(e)
	}
}

// Prune drops stale worktree metadata left by earlier sessions.
func (m *Manager) Prune() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.git.WorktreePrune()
}

var staleName = regexp.MustCompile(`^(.+)-r(\d+)-([a-z])$`)

// Stale lists worktrees of the source repository that look like competitor
// workspaces: a sibling directory named by DirName on a branch named by
// BranchName. They are left behind only by sessions that did not finish.
func (m *Manager) Stale() ([]*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, err := m.git.WorktreeList()
	if err != nil {
		return nil, err
	}
	var stale []*Workspace
	for i, wt := range list {
		if i == 0 || wt.Branch == "" {
			continue
		}
		match := staleName.FindStringSubmatch(wt.Branch)
		if match == nil {
			continue
		}
		round, _ := strconv.Atoi(match[2])
		if filepath.Base(wt.Path) != filepath.Base(DirName(m.Repo, match[1], round, match[3])) {
			continue
		}
		stale = append(stale, &Workspace{Path: wt.Path, Branch: wt.Branch, Round: round, ID: match[3]})
	}
	return stale, nil
}

// Create registers and then creates the workspace for one competitor.
func (m *Manager) Create(base string, round int, id string) (*Workspace, error) {
	ws := &Workspace{
		Path:   DirName(m.Repo, base, round, id),
		Branch: BranchName(base, round, id),
		Round:  round,
		ID:     id,
	}
	fail := func(err error) (*Workspace, error) {
		m.record(ledger.Entry{
			Event:      ledger.EventWorkspaceCreateError,
			Round:      round,
			Competitor: id,
			Detail:     ws.Path,
			Error:      err.Error(),
		})
		return nil, &CreationError{Round: round, ID: id, Err: err}
	}
	if err := gitops.ValidateBranchName(ws.Branch); err != nil {
		return fail(err)
	}
	if m.Registry != nil {
		if err := m.Registry.RegisterWorkspace(round, id, ws.Path, ws.Branch); err != nil {
			return fail(err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	head, err := m.git.RevParse("HEAD")
	if err != nil {
		return fail(err)
	}
	ws.Base = head
	if _, err := os.Stat(ws.Path); err == nil {
		m.Log.Warnf("Removing stale workspace %s", ws.Path)
		if err := m.removeLocked(ws); err != nil {
			return fail(err)
		}
	}
	if m.git.BranchExists(ws.Branch) {
		m.Log.Debugf("Deleting stale branch %s", ws.Branch)
		if err := m.git.DeleteBranch(ws.Branch); err != nil {
			return fail(err)
		}
	}
	if err := m.git.WorktreeAdd(ws.Path, ws.Branch, head); err != nil {
		return fail(err)
	}
	m.record(ledger.Entry{
		Event:      ledger.EventWorkspaceCreated,
		Round:      round,
		Competitor: id,
		Detail:     ws.Path,
		Data:       map[string]string{"branch": ws.Branch, "base": head},
	})
	m.Log.Debugf("Created workspace %s on %s", ws.Path, ws.Branch)
	return ws, nil
}

// Destroy removes the worktree and its branch. Destroying a workspace that
// no longer exists is a no-op.
func (m *Manager) Destroy(ws *Workspace) error {
	if ws == nil || ws.Path == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.removeLocked(ws)
	if err != nil {
		m.record(ledger.Entry{
			Event:      ledger.EventWorkspaceCleanupError,
			Round:      ws.Round,
			Competitor: ws.ID,
			Detail:     ws.Path,
			Error:      err.Error(),
		})
		return err
	}
	return nil
}

func (m *Manager) removeLocked(ws *Workspace) error {
	_, statErr := os.Stat(ws.Path)
	exists := statErr == nil
	hasBranch := ws.Branch != "" && m.git.BranchExists(ws.Branch)
	if !exists && !hasBranch {
		return nil
	}

	var errs []error
	if exists {
		if err := m.git.WorktreeRemove(ws.Path); err != nil {
			m.Log.Debugf("git worktree remove failed for %s, removing directory: %v", ws.Path, err)
			if err := os.RemoveAll(ws.Path); err != nil {
				errs = append(errs, err)
			}
			_ = m.git.WorktreePrune()
		}
	}
	if hasBranch {
		if err := m.git.DeleteBranch(ws.Branch); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &CleanupError{Path: ws.Path, Err: errors.Join(errs...)}
	}
	m.record(ledger.Entry{
		Event:      ledger.EventWorkspaceDestroyed,
		Round:      ws.Round,
		Competitor: ws.ID,
		Detail:     ws.Path,
	})
	return nil
}

// DestroyAll removes every workspace, continuing past failures.
func (m *Manager) DestroyAll(list []*Workspace) []error {
	var errs []error
	for _, ws := range list {
		if err := m.Destroy(ws); err != nil {
			m.Log.Warnf("Cleanup: %v", err)
			errs = append(errs, err)
		}
	}
	return errs
}
