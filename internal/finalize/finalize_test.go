package finalize_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalnine/minidani/internal/config"
	"github.com/signalnine/minidani/internal/finalize"
	"github.com/signalnine/minidani/internal/judge"
	"github.com/signalnine/minidani/internal/ledger"
	"github.com/signalnine/minidani/internal/llm"
	"github.com/signalnine/minidani/internal/logging"
	"github.com/signalnine/minidani/internal/retry"
	"github.com/signalnine/minidani/internal/session"
	"github.com/signalnine/minidani/internal/workspace"
)

func createTestRepo(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "project")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	git(t, dir, "init", "-b", "main")
	git(t, dir, "config", "user.email", "test@test.com")
	git(t, dir, "config", "user.name", "Test")
	os.WriteFile(filepath.Join(dir, "README.md"), []byte("# project\n"), 0o644)
	git(t, dir, "add", ".")
	git(t, dir, "commit", "-m", "initial")
	return dir
}

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

type fixture struct {
	repo    string
	sess    *session.Session
	manager *workspace.Manager
	ws      map[string]*workspace.Workspace
}

// newFixture creates a session with two rounds of workspaces.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := createTestRepo(t)
	s := session.New("add a greeting", repo, ledger.Memory())
	s.SetBranchBase("feature")
	m := workspace.NewManager(repo, s, s, logging.Discard())
	fx := &fixture{repo: repo, sess: s, manager: m, ws: map[string]*workspace.Workspace{}}
	for round := 1; round <= 2; round++ {
		if _, err := s.StartRound(round, session.IDs(2)); err != nil {
			t.Fatal(err)
		}
		for _, id := range session.IDs(2) {
			ws, err := m.Create("feature", round, id)
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			fx.ws[session.Key(round, id)] = ws
		}
	}
	return fx
}

func (fx *fixture) write(t *testing.T, key, name, content string) {
	t.Helper()
	path := filepath.Join(fx.ws[key].Path, name)
	os.MkdirAll(filepath.Dir(path), 0o755)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (fx *fixture) outcome(key string, score int) *retry.Outcome {
	ws := fx.ws[key]
	c := fx.sess.Find(ws.Round, ws.ID)
	c.SetResult("added hello.go", nil)
	return &retry.Outcome{
		Winner: c,
		Card:   &judge.ScoreCard{ID: ws.ID, Round: ws.Round, Composite: score, Rationale: "clean"},
		Round:  ws.Round,
		Rounds: 2,
	}
}

func (fx *fixture) survivors() []string {
	var out []string
	for key, ws := range fx.ws {
		if _, err := os.Stat(ws.Path); err == nil {
			out = append(out, key)
		}
	}
	return out
}

type fakePublisher struct {
	calls  int
	dir    string
	branch string
	desc   finalize.Description
	err    error
}

func (p *fakePublisher) Publish(ctx context.Context, dir, branch string, d finalize.Description, draft bool) (string, error) {
	p.calls++
	p.dir, p.branch, p.desc = dir, branch, d
	if p.err != nil {
		return "", p.err
	}
	return "https://github.com/acme/project/pull/7", nil
}

type countingStopper struct{ n int }

func (s *countingStopper) Stop() { s.n++ }

func newFinalizer(fx *fixture, pub finalize.Publisher, noPR bool) *finalize.Finalizer {
	return &finalize.Finalizer{
		Session:    fx.sess,
		Workspaces: fx.manager,
		Stopper:    &countingStopper{},
		Repo:       fx.repo,
		Exclude:    config.Default().Finalize.Exclude,
		NoPR:       noPR,
		Publisher:  pub,
		Log:        logging.Discard(),
	}
}

func TestFinalizePullRequest(t *testing.T) {
	fx := newFixture(t)
	fx.write(t, "r2-b", "hello.go", "package main\n")
	fx.write(t, "r2-b", "plan.md", "scratch\n")
	fx.write(t, "r2-b", "logs/run.log", "noise\n")

	pub := &fakePublisher{}
	f := newFinalizer(fx, pub, false)
	d, err := f.Finalize(context.Background(), fx.outcome("r2-b", 88))
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if d.PRURL != "https://github.com/acme/project/pull/7" || fx.sess.PRURL() != d.PRURL {
		t.Errorf("pr url = %q / %q", d.PRURL, fx.sess.PRURL())
	}
	if len(d.Files) != 1 || d.Files[0] != "hello.go" {
		t.Errorf("files = %v, want [hello.go]", d.Files)
	}
	if pub.branch != "feature-r2-b" || pub.dir != fx.ws["r2-b"].Path {
		t.Errorf("published %s from %s", pub.branch, pub.dir)
	}
	if pub.desc.Title != "feat: feature" {
		t.Errorf("title = %q", pub.desc.Title)
	}

	msg := git(t, fx.ws["r2-b"].Path, "log", "-1", "--format=%B")
	if !strings.Contains(msg, "feat: feature") || !strings.Contains(msg, "By competitor B (Score: 88/100)") {
		t.Errorf("commit message = %q", msg)
	}
	committed := git(t, fx.ws["r2-b"].Path, "show", "--name-only", "--format=", "HEAD")
	if committed != "hello.go" {
		t.Errorf("committed files = %q", committed)
	}

	if got := fx.survivors(); len(got) != 1 || got[0] != "r2-b" {
		t.Errorf("survivors = %v, want [r2-b]", got)
	}
	if err := f.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if got := fx.survivors(); len(got) != 1 {
		t.Errorf("survivors after cleanup = %v, want the delivered winner", got)
	}
}

func TestFinalizeLocalCommit(t *testing.T) {
	fx := newFixture(t)
	fx.write(t, "r1-a", "cmd/hello/main.go", "package main\n")
	fx.write(t, "r1-a", ".minidani-status.json", `{"status":"complete"}`)
	os.Remove(filepath.Join(fx.ws["r1-a"].Path, "README.md"))

	pub := &fakePublisher{}
	f := newFinalizer(fx, pub, true)
	d, err := f.Finalize(context.Background(), fx.outcome("r1-a", 72))
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !d.Local || pub.calls != 0 {
		t.Errorf("local = %v, publisher calls = %d", d.Local, pub.calls)
	}
	if _, err := os.Stat(filepath.Join(fx.repo, "cmd", "hello", "main.go")); err != nil {
		t.Errorf("file not copied into repo: %v", err)
	}
	if _, err := os.Stat(filepath.Join(fx.repo, "README.md")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("deleted file should be removed from repo, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(fx.repo, ".minidani-status.json")); !errors.Is(err, os.ErrNotExist) {
		t.Error("excluded status file was copied")
	}
	msg := git(t, fx.repo, "log", "-1", "--format=%B")
	if !strings.Contains(msg, "By competitor A (Score: 72/100)") {
		t.Errorf("repo commit message = %q", msg)
	}
	if status := git(t, fx.repo, "status", "--porcelain"); status != "" {
		t.Errorf("repo left dirty: %q", status)
	}
	if got := fx.survivors(); len(got) != 1 || got[0] != "r1-a" {
		t.Errorf("survivors = %v, want [r1-a]", got)
	}
}

func TestFinalizeRunsOnce(t *testing.T) {
	fx := newFixture(t)
	fx.write(t, "r1-b", "hello.go", "package main\n")
	pub := &fakePublisher{}
	f := newFinalizer(fx, pub, false)
	out := fx.outcome("r1-b", 90)
	first, err := f.Finalize(context.Background(), out)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.Finalize(context.Background(), out)
	if err != nil || second != first {
		t.Errorf("second Finalize = %v, %v", second, err)
	}
	if pub.calls != 1 {
		t.Errorf("publisher called %d times", pub.calls)
	}
	if f.Stopper.(*countingStopper).n != 1 {
		t.Error("running work was not stopped before cleanup")
	}
}

func TestFailedDeliveryLeavesNothing(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string]string
		pubErr  error
		wantErr error
	}{
		{
			name:    "only excluded files",
			files:   map[string]string{"plan.md": "x", "debug.log": "y"},
			wantErr: finalize.ErrNothingToDeliver,
		},
		{
			name:   "publish fails",
			files:  map[string]string{"hello.go": "package main\n"},
			pubErr: errors.New("gh: not logged in"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			for name, content := range tt.files {
				fx.write(t, "r1-a", name, content)
			}
			f := newFinalizer(fx, &fakePublisher{err: tt.pubErr}, false)
			_, err := f.Finalize(context.Background(), fx.outcome("r1-a", 85))
			if err == nil {
				t.Fatal("expected delivery error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			var recorded bool
			for _, e := range fx.sess.Ledger().Tail(0) {
				if e.Event == ledger.EventDeliveryError {
					recorded = true
				}
			}
			if !recorded {
				t.Error("delivery_error not recorded")
			}
			if err := f.Cleanup(); err != nil {
				t.Fatalf("Cleanup: %v", err)
			}
			if got := fx.survivors(); len(got) != 0 {
				t.Errorf("survivors = %v, want none", got)
			}
		})
	}
}

func TestCleanupWithoutWinner(t *testing.T) {
	fx := newFixture(t)
	f := newFinalizer(fx, &fakePublisher{}, false)
	if err := f.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if err := f.Cleanup(); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	if got := fx.survivors(); len(got) != 0 {
		t.Errorf("survivors = %v", got)
	}
	if branches := git(t, fx.repo, "branch", "--list", "feature-*"); branches != "" {
		t.Errorf("branches left behind: %q", branches)
	}
}

func TestFilter(t *testing.T) {
	f, err := finalize.NewFilter(config.Default().Finalize.Exclude)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		path string
		want bool
	}{
		{"plan.md", true},
		{"docs/plan.md", false},
		{"run.log", true},
		{"logs/deep/run.log", true},
		{".opencode/session.json", true},
		{"__pycache__/x.pyc", true},
		{"pkg/__pycache__/x.pyc", true},
		{".minidani-status.json", true},
		{"main.go", false},
		{"catalog/item.go", false},
	}
	for _, tt := range tests {
		if got := f.Excluded(tt.path); got != tt.want {
			t.Errorf("Excluded(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
	if _, err := finalize.NewFilter([]string{"[unclosed"}); err == nil {
		t.Error("expected error for bad pattern")
	}
}

func TestExtractPRURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Creating pull request...\nhttps://github.com/acme/app/pull/42\n", "https://github.com/acme/app/pull/42"},
		{"https://github.com/acme/app/pulls", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := finalize.ExtractPRURL(tt.in); got != tt.want {
			t.Errorf("ExtractPRURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDescribers(t *testing.T) {
	b := finalize.Brief{
		Task:       "add a greeting",
		BranchBase: "team/greeting",
		Winner:     "c",
		Round:      2,
		Score:      81,
		Summary:    "added hello.go",
		Rationale:  "complete and tested",
		Files:      []string{"hello.go"},
	}
	tmpl, _ := finalize.TemplateDescriber{}.Describe(context.Background(), b)
	if tmpl.Title != "feat: team/greeting" {
		t.Errorf("title = %q", tmpl.Title)
	}
	for _, want := range []string{"Competitor C, round 2 (Score: 81/100)", "complete and tested", "`hello.go`"} {
		if !strings.Contains(tmpl.Body, want) {
			t.Errorf("body missing %q:\n%s", want, tmpl.Body)
		}
	}

	reply := `{"title":"Add greeting command","body":"Adds hello."}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": reply}}},
		})
	}))
	defer srv.Close()

	d := &finalize.LLMDescriber{Client: &llm.Client{BaseURL: srv.URL, Model: "m"}}
	got, err := d.Describe(context.Background(), b)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if got.Title != "Add greeting command" || !strings.HasPrefix(got.Body, "Adds hello.") {
		t.Errorf("description = %+v", got)
	}

	reply = "not json"
	got, err = d.Describe(context.Background(), b)
	if err == nil {
		t.Error("expected parse error")
	}
	if got.Title != tmpl.Title {
		t.Errorf("fallback title = %q", got.Title)
	}
}
