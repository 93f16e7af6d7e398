package gitops_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/signalnine/minidani/internal/gitops"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	c := exec.Command("git", args...)
	c.Dir = dir
	if out, err := c.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

func createTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@test.com")
	runGit(t, dir, "config", "user.name", "Test")
	os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello\n"), 0o644)
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func TestWorktreeLifecycle(t *testing.T) {
	repo := createTestRepo(t)
	g := gitops.New(repo)
	wt := filepath.Join(t.TempDir(), "wt")

	if err := g.WorktreeAdd(wt, "feature-r1-a", "HEAD"); err != nil {
		t.Fatalf("WorktreeAdd: %v", err)
	}
	if !g.BranchExists("feature-r1-a") {
		t.Error("branch should exist after WorktreeAdd")
	}
	content, err := os.ReadFile(filepath.Join(wt, "hello.txt"))
	if err != nil || string(content) != "hello\n" {
		t.Fatalf("worktree content %q, err %v", content, err)
	}
	list, err := g.WorktreeList()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 worktrees, got %v", list)
	}
	if list[1].Branch != "feature-r1-a" {
		t.Errorf("worktree branch = %q, want feature-r1-a", list[1].Branch)
	}
	branches, err := g.ListBranches("feature-*")
	if err != nil || len(branches) != 1 {
		t.Errorf("ListBranches = %v, %v", branches, err)
	}

	if err := g.WorktreeRemove(wt); err != nil {
		t.Fatalf("WorktreeRemove: %v", err)
	}
	if err := g.DeleteBranch("feature-r1-a"); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}
	if g.BranchExists("feature-r1-a") {
		t.Error("branch should be gone")
	}
	if err := g.WorktreePrune(); err != nil {
		t.Fatalf("WorktreePrune: %v", err)
	}
}

func TestChangedFiles(t *testing.T) {
	repo := createTestRepo(t)
	g := gitops.New(repo)
	base, err := g.RevParse("HEAD")
	if err != nil {
		t.Fatal(err)
	}

	os.WriteFile(filepath.Join(repo, "committed.txt"), []byte("c\n"), 0o644)
	runGit(t, repo, "add", "committed.txt")
	runGit(t, repo, "commit", "-m", "agent commit")
	os.WriteFile(filepath.Join(repo, "hello.txt"), []byte("changed\n"), 0o644)
	os.WriteFile(filepath.Join(repo, "new.txt"), []byte("new\n"), 0o644)

	files, err := g.ChangedFiles(base)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(files)
	want := []string{"committed.txt", "hello.txt", "new.txt"}
	if strings.Join(files, ",") != strings.Join(want, ",") {
		t.Errorf("ChangedFiles = %v, want %v", files, want)
	}
}

func TestCaptureChanges(t *testing.T) {
	repo := createTestRepo(t)
	base, _ := gitops.New(repo).RevParse("HEAD")
	os.WriteFile(filepath.Join(repo, "hello.txt"), []byte("modified\n"), 0o644)
	os.WriteFile(filepath.Join(repo, "new.txt"), []byte("new file\n"), 0o644)

	diff, err := gitops.CaptureChanges(repo, base)
	if err != nil {
		t.Fatalf("CaptureChanges: %v", err)
	}
	if len(diff) == 0 {
		t.Error("expected non-empty diff")
	}
	if !strings.Contains(string(diff), "new.txt") {
		t.Error("diff should include untracked file")
	}

	stats, err := gitops.New(repo).Numstat(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 numstat rows, got %+v", stats)
	}
	for _, s := range stats {
		if s.Path == "new.txt" && s.Additions != 1 {
			t.Errorf("new.txt additions = %d", s.Additions)
		}
	}
}

func TestStageAndCommit(t *testing.T) {
	repo := createTestRepo(t)
	g := gitops.New(repo)
	os.WriteFile(filepath.Join(repo, "a.txt"), []byte("a\n"), 0o644)
	os.WriteFile(filepath.Join(repo, "b.log"), []byte("b\n"), 0o644)

	if err := g.AddAll(); err != nil {
		t.Fatal(err)
	}
	if err := g.Unstage(); err != nil {
		t.Fatal(err)
	}
	if g.HasStagedChanges() {
		t.Fatal("index should be clean after Unstage")
	}
	if err := g.Add("a.txt"); err != nil {
		t.Fatal(err)
	}
	if !g.HasStagedChanges() {
		t.Fatal("expected staged changes")
	}
	if err := g.Commit("feat: a"); err != nil {
		t.Fatal(err)
	}
	status, err := g.StatusPorcelain()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(status, "b.log") || strings.Contains(status, "a.txt") {
		t.Errorf("unexpected status after commit: %q", status)
	}
}

func TestValidateBranchName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"feature/add-login", false},
		{"add-login-r1-a", false},
		{"", true},
		{"-rf", true},
		{"has space", true},
		{"a..b", true},
		{"trailing/", true},
		{"x.lock", true},
		{"what?", true},
		{"a@{b", true},
	}
	for _, tt := range tests {
		err := gitops.ValidateBranchName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateBranchName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}
