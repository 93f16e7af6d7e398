package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ExecInvoker runs the agent as a local subprocess in the workspace.
type ExecInvoker struct {
	Command string
	Args    []string
	Model   string
	Env     map[string]string
}

// BuildArgs expands {model} and {prompt} in args. The prompt is appended
// when no argument mentions it.
func BuildArgs(args []string, model, prompt string) []string {
	out := make([]string, 0, len(args)+1)
	hasPrompt := false
	for _, a := range args {
		if strings.Contains(a, "{prompt}") {
			hasPrompt = true
		}
		a = strings.ReplaceAll(a, "{model}", model)
		a = strings.ReplaceAll(a, "{prompt}", prompt)
		out = append(out, a)
	}
	if !hasPrompt {
		out = append(out, prompt)
	}
	return out
}

func (e *ExecInvoker) environ(req Request) []string {
	env := os.Environ()
	for k, v := range e.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"MINIDANI_COMPETITOR="+req.Identity,
		"MINIDANI_STATUS_FILE="+filepath.Join(req.Dir, StatusFileName),
	)
	return env
}

func (e *ExecInvoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ClearStatus(req.Dir); err != nil {
		return nil, &InvocationError{Kind: KindStart, Err: err}
	}
	cmd := exec.CommandContext(ctx, e.Command, BuildArgs(e.Args, e.Model, req.Prompt)...)
	cmd.Dir = req.Dir
	cmd.Env = e.environ(req)
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &lineWriter{w: &stdout, fn: req.OnOutput}
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		kind := KindTimeout
		if errors.Is(ctxErr, context.Canceled) {
			kind = KindCanceled
		}
		return nil, &InvocationError{Kind: kind, Err: ctxErr, Diagnostic: tail(stderr.String(), diagnosticLimit)}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &InvocationError{
				Kind:       KindExit,
				ExitCode:   exitErr.ExitCode(),
				Diagnostic: tail(strings.TrimSpace(stderr.String()), diagnosticLimit),
			}
		}
		return nil, &InvocationError{Kind: KindStart, Err: err}
	}
	return BuildResponse(req.Dir, stdout.String())
}

// lineWriter copies output to w and reports each complete non-empty line.
type lineWriter struct {
	mu  sync.Mutex
	w   io.Writer
	fn  func(string)
	buf []byte
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.w.Write(p)
	if l.fn == nil {
		return n, err
	}
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(l.buf[:i])); line != "" {
			l.fn(line)
		}
		l.buf = l.buf[i+1:]
	}
	return n, err
}
