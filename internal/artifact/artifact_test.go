package artifact_test

import (
	"context"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalnine/minidani/internal/artifact"
)

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	c := exec.Command("git", args...)
	c.Dir = dir
	out, err := c.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func createTestRepo(t *testing.T) (dir, base string) {
	t.Helper()
	dir = t.TempDir()
	git(t, dir, "init", "-b", "main")
	git(t, dir, "config", "user.email", "test@test.com")
	git(t, dir, "config", "user.name", "Test")
	os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo\n"), 0o644)
	git(t, dir, "add", ".")
	git(t, dir, "commit", "-m", "initial")
	return dir, git(t, dir, "rev-parse", "HEAD")
}

func TestParseCheckResults(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		exitCode int
		want     float64
	}{
		{"all pass", "ok", 0, 1.0},
		{"pass rate", "8 passed, 2 failed", 1, 0.8},
		{"pytest banner", "===== 3 passed, 1 failed in 0.2s =====", 1, 0.75},
		{"junit", `<testsuite name="x" tests="10" failures="1" errors="1">`, 1, 0.8},
		{"unparseable", "panic: boom", 2, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := artifact.ParseCheckResults(tt.output, tt.exitCode)
			if math.Abs(got.Score-tt.want) > 0.001 {
				t.Errorf("score = %f, want %f", got.Score, tt.want)
			}
			if got.Passed != (tt.exitCode == 0) {
				t.Errorf("passed = %v", got.Passed)
			}
		})
	}
}

func TestRunCheck(t *testing.T) {
	dir := t.TempDir()
	res, err := artifact.RunCheck(context.Background(), dir, "echo '4 passed, 1 failed'; exit 1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed || res.ExitCode != 1 || math.Abs(res.Score-0.8) > 0.001 {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Command == "" {
		t.Error("command not recorded")
	}
}

func TestComputeMetrics(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "pkg"), 0o755)
	os.WriteFile(filepath.Join(dir, "pkg", "a.go"), []byte("package pkg\n\n// doc\nfunc A() {}\n/* block\n comment */\nvar x = 1\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "pkg", "a_test.go"), []byte("package pkg\nfunc TestA() {}\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.md"), []byte("not source\n"), 0o644)

	m := artifact.ComputeMetrics(dir, []string{"pkg/a.go", "pkg/a_test.go", "notes.md", "deleted.go"})
	if m.FileCount != 2 {
		t.Errorf("FileCount = %d, want 2", m.FileCount)
	}
	if m.TotalLOC != 5 {
		t.Errorf("TotalLOC = %d, want 5", m.TotalLOC)
	}
	if m.MaxFileName != "pkg/a.go" || m.MaxFileLOC != 3 {
		t.Errorf("max file = %s (%d)", m.MaxFileName, m.MaxFileLOC)
	}
	if m.TestFileCount != 1 {
		t.Errorf("TestFileCount = %d, want 1", m.TestFileCount)
	}
	if math.Abs(m.Score-0.8) > 0.001 {
		t.Errorf("Score = %f, want 0.8", m.Score)
	}
	if empty := artifact.ComputeMetrics(dir, nil); empty.Score != 0 {
		t.Errorf("no files should score 0, got %f", empty.Score)
	}
}

func TestCollect(t *testing.T) {
	dir, base := createTestRepo(t)
	os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo\nmore\n"), 0o644)

	d, err := artifact.Collect(context.Background(), dir, base, "test -f main.go")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if strings.Join(d.Files, ",") != "README.md,main.go" {
		t.Errorf("files = %v", d.Files)
	}
	if d.Additions != 4 || d.Deletions != 0 {
		t.Errorf("additions=%d deletions=%d", d.Additions, d.Deletions)
	}
	if !strings.Contains(d.Diff, "func main") {
		t.Error("diff missing new file content")
	}
	if d.Metrics.FileCount != 1 {
		t.Errorf("metrics file count = %d", d.Metrics.FileCount)
	}
	if d.Check == nil || !d.Check.Passed {
		t.Errorf("check = %+v", d.Check)
	}
}
