// Package namer picks the branch base for a session.
package namer

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/signalnine/minidani/internal/gitops"
	"github.com/signalnine/minidani/internal/llm"
	"github.com/signalnine/minidani/internal/logging"
)

const (
	DefaultTimeout = 30 * time.Second
	fallbackName   = "feature"
	taskLimit      = 500
)

const systemPrompt = `You generate concise, semantic git branch names without any prefix.

Rules:
1. Output only valid JSON: {"branch_name": "your-branch-name"}
2. Use kebab-case (lowercase with hyphens)
3. 2-4 words maximum
4. Never include prefixes like feat/ or fix/, only the descriptive part

Examples:
- "Add OAuth2 authentication" -> {"branch_name": "oauth-auth"}
- "Fix bug in login" -> {"branch_name": "login-bug"}
- "Create REST API for users" -> {"branch_name": "create-user-api"}`

type Namer struct {
	Client   *llm.Client // nil skips the model and uses the slug
	Override string      // used verbatim when set
	Prefix   string
	Timeout  time.Duration
	Log      *logging.Logger
}

// Name returns the branch base: prefix plus the override, the model's
// suggestion or a slug of the task, in that order of preference.
func (n *Namer) Name(ctx context.Context, task string) (string, error) {
	name := strings.TrimSpace(n.Override)
	if name == "" {
		name = n.suggest(ctx, task)
	}
	if name == "" {
		name = Slug(task)
	}
	full := n.Prefix + name
	if err := gitops.ValidateBranchName(full); err != nil {
		return "", err
	}
	return full, nil
}

func (n *Namer) suggest(ctx context.Context, task string) string {
	if n.Client == nil {
		return ""
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(task) > taskLimit {
		task = task[:taskLimit]
	}
	n.Log.Debugf("Generating branch name with %s", n.Client.Model)
	raw, err := n.Client.Complete(ctx, systemPrompt+"\n\nTask: "+task, true)
	if err != nil {
		n.Log.Warnf("Branch generation failed: %v", err)
		return ""
	}
	var out struct {
		BranchName string `json:"branch_name"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &out); err != nil {
		n.Log.Warnf("Branch JSON parse failed: %v", err)
		return ""
	}
	return clean(out.BranchName)
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug derives a branch name from the first 50 characters of the task.
func Slug(task string) string {
	if len(task) > 50 {
		task = task[:50]
	}
	s := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(task), "-"), "-")
	if len(s) > 30 {
		s = strings.TrimRight(s[:30], "-")
	}
	if s == "" {
		return fallbackName
	}
	return s
}

// clean keeps a model suggestion to one kebab-case path segment.
func clean(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Trim(nonSlug.ReplaceAllString(name, "-"), "-")
	if len(name) > 50 {
		name = strings.TrimRight(name[:50], "-")
	}
	return name
}
