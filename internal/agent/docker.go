package agent

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/signalnine/minidani/internal/docker"
)

// DockerInvoker runs the agent inside a container with the workspace
// mounted at /workspace.
type DockerInvoker struct {
	Image    string
	Command  string
	Args     []string
	Model    string
	Env      map[string]string
	CPULimit float64
	MemoryMB int64
	Timeout  time.Duration

	run func(context.Context, *docker.RunOpts) (*docker.RunResult, error)
}

func (d *DockerInvoker) opts(ctx context.Context, req Request) *docker.RunOpts {
	env := map[string]string{
		"MINIDANI_COMPETITOR":  req.Identity,
		"MINIDANI_STATUS_FILE": filepath.Join(docker.WorkspaceTarget, StatusFileName),
	}
	for k, v := range d.Env {
		env[k] = v
	}
	timeout := d.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	var cmd []string
	if d.Command != "" {
		cmd = append(cmd, d.Command)
	}
	cmd = append(cmd, BuildArgs(d.Args, d.Model, req.Prompt)...)
	return &docker.RunOpts{
		Image:       d.Image,
		Command:     cmd,
		WorkDir:     req.Dir,
		Env:         env,
		Timeout:     timeout,
		CPULimit:    d.CPULimit,
		MemoryLimit: d.MemoryMB << 20,
		Labels:      map[string]string{"minidani.competitor": req.Identity},
	}
}

func (d *DockerInvoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ClearStatus(req.Dir); err != nil {
		return nil, &InvocationError{Kind: KindStart, Err: err}
	}
	run := d.run
	if run == nil {
		run = docker.RunContainer
	}
	res, err := run(ctx, d.opts(ctx, req))
	if err != nil {
		return nil, &InvocationError{Kind: KindStart, Err: err}
	}
	output := string(res.Output)
	if req.OnOutput != nil && output != "" {
		// The container log arrives whole; a missing final newline would
		// hold back the last line.
		logs := output
		if !strings.HasSuffix(logs, "\n") {
			logs += "\n"
		}
		w := &lineWriter{w: io.Discard, fn: req.OnOutput}
		_, _ = io.WriteString(w, logs)
	}
	switch {
	case res.Canceled:
		return nil, &InvocationError{Kind: KindCanceled, Err: ctx.Err()}
	case res.TimedOut:
		return nil, &InvocationError{Kind: KindTimeout, ExitCode: res.ExitCode, Err: fmt.Errorf("container ran longer than %s", res.Duration.Round(time.Second))}
	case res.ExitCode != 0:
		return nil, &InvocationError{Kind: KindExit, ExitCode: res.ExitCode, Diagnostic: tail(output, diagnosticLimit)}
	}
	return BuildResponse(req.Dir, output)
}
