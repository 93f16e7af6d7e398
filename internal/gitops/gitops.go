// Package gitops wraps the git command line for the handful of operations a
// session needs: worktrees, branches, staging, committing and pushing.
package gitops

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

type Git struct {
	Dir string
}

func New(dir string) *Git {
	return &Git{Dir: dir}
}

func (g *Git) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// output runs git and returns stdout only, so warnings on stderr do not end
// up in parsed results.
func (g *Git) output(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.Dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %s %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func lines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func (g *Git) TopLevel() (string, error) {
	return g.run("rev-parse", "--show-toplevel")
}

func (g *Git) RevParse(ref string) (string, error) {
	return g.run("rev-parse", ref)
}

func (g *Git) CurrentBranch() (string, error) {
	return g.run("rev-parse", "--abbrev-ref", "HEAD")
}

func (g *Git) WorktreeAdd(path, branch, base string) error {
	_, err := g.run("worktree", "add", path, "-b", branch, base)
	return err
}

func (g *Git) WorktreeRemove(path string) error {
	_, err := g.run("worktree", "remove", path, "--force")
	return err
}

func (g *Git) WorktreePrune() error {
	_, err := g.run("worktree", "prune")
	return err
}

// Worktree is one entry of `git worktree list`. Branch is empty for a
// detached HEAD.
type Worktree struct {
	Path   string
	Branch string
}

// WorktreeList returns all worktrees, the main one first.
func (g *Git) WorktreeList() ([]Worktree, error) {
	out, err := g.output("worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var list []Worktree
	for _, l := range lines(out) {
		if p, ok := strings.CutPrefix(l, "worktree "); ok {
			list = append(list, Worktree{Path: p})
			continue
		}
		if b, ok := strings.CutPrefix(l, "branch "); ok && len(list) > 0 {
			list[len(list)-1].Branch = strings.TrimPrefix(b, "refs/heads/")
		}
	}
	return list, nil
}

func (g *Git) BranchExists(name string) bool {
	_, err := g.run("rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

func (g *Git) DeleteBranch(name string) error {
	_, err := g.run("branch", "-D", name)
	return err
}

// ListBranches returns local branch names matching a git pattern.
func (g *Git) ListBranches(pattern string) ([]string, error) {
	out, err := g.output("branch", "--list", pattern, "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

func (g *Git) AddAll() error {
	_, err := g.run("add", "-A")
	return err
}

// Add stages paths, including their deletion.
func (g *Git) Add(paths ...string) error {
	args := append([]string{"add", "-A", "--"}, paths...)
	_, err := g.run(args...)
	return err
}

// Unstage clears the index back to HEAD without touching the worktree.
func (g *Git) Unstage() error {
	_, err := g.run("reset", "-q")
	return err
}

func (g *Git) Commit(msg string) error {
	_, err := g.run("commit", "-m", msg)
	return err
}

// CommitPaths commits only the given paths, leaving anything else in the
// index alone.
func (g *Git) CommitPaths(msg string, paths ...string) error {
	args := append([]string{"commit", "-m", msg, "--"}, paths...)
	_, err := g.run(args...)
	return err
}

func (g *Git) MergeBase(a, b string) (string, error) {
	return g.run("merge-base", a, b)
}

func (g *Git) HasStagedChanges() bool {
	_, err := g.run("diff", "--cached", "--quiet")
	return err != nil // non-zero exit = there are changes
}

func (g *Git) Push(branch string) error {
	_, err := g.run("push", "-u", "origin", branch)
	return err
}

func (g *Git) StatusPorcelain() (string, error) {
	return g.output("status", "--porcelain")
}

func (g *Git) DiffNameOnly(base, head string) ([]string, error) {
	out, err := g.output("diff", "--name-only", base, head)
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

// ChangedFiles lists every path that differs from base: committed changes,
// uncommitted edits to tracked files and untracked files not ignored.
func (g *Git) ChangedFiles(base string) ([]string, error) {
	tracked, err := g.output("diff", "--name-only", base)
	if err != nil {
		return nil, err
	}
	untracked, err := g.output("ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var files []string
	for _, f := range append(lines(tracked), lines(untracked)...) {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		files = append(files, f)
	}
	return files, nil
}

type FileStat struct {
	Path      string
	Additions int
	Deletions int
	Binary    bool
}

// Numstat returns per-file line counts of the staged diff against base.
func (g *Git) Numstat(base string) ([]FileStat, error) {
	out, err := g.output("diff", "--cached", "--numstat", base)
	if err != nil {
		return nil, err
	}
	var stats []FileStat
	for _, l := range lines(out) {
		parts := strings.SplitN(l, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		fs := FileStat{Path: parts[2]}
		if parts[0] == "-" {
			fs.Binary = true
		} else {
			fs.Additions, _ = strconv.Atoi(parts[0])
			fs.Deletions, _ = strconv.Atoi(parts[1])
		}
		stats = append(stats, fs)
	}
	return stats, nil
}

// CaptureChanges stages all changes (including untracked files) and returns
// the diff against base.
func CaptureChanges(repoDir, base string) ([]byte, error) {
	add := exec.Command("git", "add", "-A")
	add.Dir = repoDir
	if out, err := add.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git add -A: %s: %w", out, err)
	}
	args := []string{"diff", "--cached"}
	if base != "" {
		args = append(args, base)
	}
	diff := exec.Command("git", args...)
	diff.Dir = repoDir
	out, err := diff.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff --cached: %w", err)
	}
	return out, nil
}

// ValidateBranchName rejects names git would refuse or that could be taken
// for an option on the command line.
func ValidateBranchName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("branch name is empty")
	case strings.HasPrefix(name, "-"):
		return fmt.Errorf("branch name %q must not start with '-'", name)
	case strings.HasPrefix(name, "/"), strings.HasSuffix(name, "/"):
		return fmt.Errorf("branch name %q must not start or end with '/'", name)
	case strings.HasSuffix(name, ".lock"), strings.HasSuffix(name, "."):
		return fmt.Errorf("branch name %q has an invalid suffix", name)
	case strings.Contains(name, ".."), strings.Contains(name, "//"), strings.Contains(name, "@{"):
		return fmt.Errorf("branch name %q contains an invalid sequence", name)
	case strings.ContainsAny(name, " ~^:?*[\\\t\n"):
		return fmt.Errorf("branch name %q contains an invalid character", name)
	}
	return nil
}
