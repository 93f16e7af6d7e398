package finalize

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/signalnine/minidani/internal/gitops"
	"github.com/signalnine/minidani/internal/llm"
)

// Brief is what a describer knows about the delivered winner.
type Brief struct {
	Task       string
	BranchBase string
	Branch     string
	Winner     string
	Round      int
	Score      int
	Forced     bool
	Summary    string
	Rationale  string
	Files      []string
}

type Description struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type Describer interface {
	Describe(ctx context.Context, b Brief) (Description, error)
}

// TemplateDescriber writes a fixed-format pull request description.
type TemplateDescriber struct{}

func (TemplateDescriber) Describe(_ context.Context, b Brief) (Description, error) {
	var body strings.Builder
	fmt.Fprintf(&body, "## Task\n\n%s\n\n", strings.TrimSpace(b.Task))
	fmt.Fprintf(&body, "## Winning implementation\n\nCompetitor %s, round %d (Score: %d/100)", strings.ToUpper(b.Winner), b.Round, b.Score)
	if b.Forced {
		body.WriteString(", accepted below the quality threshold")
	}
	body.WriteString("\n")
	if s := strings.TrimSpace(b.Summary); s != "" {
		fmt.Fprintf(&body, "\n%s\n", s)
	}
	if r := strings.TrimSpace(b.Rationale); r != "" {
		fmt.Fprintf(&body, "\n## Judge notes\n\n%s\n", r)
	}
	if len(b.Files) > 0 {
		body.WriteString("\n## Files\n\n")
		for _, f := range b.Files {
			fmt.Fprintf(&body, "- `%s`\n", f)
		}
	}
	return Description{Title: "feat: " + b.BranchBase, Body: body.String()}, nil
}

// LLMDescriber asks a chat model for the description and falls back to the
// template when the model is unavailable or its reply is unusable.
type LLMDescriber struct {
	Client *llm.Client
}

func (d *LLMDescriber) Describe(ctx context.Context, b Brief) (Description, error) {
	fallback, _ := TemplateDescriber{}.Describe(ctx, b)
	if d.Client == nil {
		return fallback, nil
	}
	prompt := fmt.Sprintf(`Write a pull request title and body for this change.

Task: %s
Summary: %s
Files changed: %s

Respond with JSON only: {"title": "...", "body": "..."}. The title is under 72 characters.`,
		strings.TrimSpace(b.Task), strings.TrimSpace(b.Summary), strings.Join(b.Files, ", "))
	raw, err := d.Client.Complete(ctx, prompt, true)
	if err != nil {
		return fallback, err
	}
	var out Description
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &out); err != nil {
		return fallback, fmt.Errorf("parsing description: %w", err)
	}
	out.Title = strings.TrimSpace(out.Title)
	if out.Title == "" || strings.TrimSpace(out.Body) == "" {
		return fallback, fmt.Errorf("description is missing a title or body")
	}
	out.Body = strings.TrimRight(out.Body, "\n") + "\n\n---\n" + fallback.Body
	return out, nil
}

// Publisher makes a committed branch visible for review and returns its URL.
type Publisher interface {
	Publish(ctx context.Context, dir, branch string, d Description, draft bool) (string, error)
}

var prURLPattern = regexp.MustCompile(`https://github\.com/[^\s]+/pull/\d+`)

// ExtractPRURL finds the first pull request URL in s.
func ExtractPRURL(s string) string {
	return prURLPattern.FindString(s)
}

// GitHub pushes the branch to origin and opens a pull request with gh.
type GitHub struct {
	GH string // gh binary, "gh" when empty
}

func (p *GitHub) Publish(ctx context.Context, dir, branch string, d Description, draft bool) (string, error) {
	if err := gitops.New(dir).Push(branch); err != nil {
		return "", fmt.Errorf("pushing %s: %w", branch, err)
	}
	gh := p.GH
	if gh == "" {
		gh = "gh"
	}
	args := []string{"pr", "create", "--title", d.Title, "--body", d.Body, "--head", branch}
	if draft {
		args = append(args, "--draft")
	}
	cmd := exec.CommandContext(ctx, gh, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("gh pr create: %s: %w", strings.TrimSpace(string(out)), err)
	}
	url := ExtractPRURL(string(out))
	if url == "" {
		return "", fmt.Errorf("gh pr create printed no pull request URL: %s", strings.TrimSpace(string(out)))
	}
	return url, nil
}
