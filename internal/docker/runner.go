// Package docker runs an agent command inside a throwaway container with a
// competitor's workspace bind-mounted at /workspace.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"
)

// ExitTimeout is reported when the container is killed for running too long.
const ExitTimeout = 124

const (
	WorkspaceTarget = "/workspace"
	logTail         = "2000"
)

type RunOpts struct {
	Image       string
	Command     []string
	WorkDir     string
	Env         map[string]string
	Timeout     time.Duration
	ExtraMounts []Mount
	CPULimit    float64
	MemoryLimit int64
	UserID      string
	Labels      map[string]string
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

type RunResult struct {
	ExitCode int
	TimedOut bool
	Canceled bool
	Duration time.Duration
	Output   []byte
}

func buildConfig(opts *RunOpts) (*container.Config, *container.HostConfig) {
	envSlice := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		envSlice = append(envSlice, k+"="+v)
	}

	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: opts.WorkDir,
			Target: WorkspaceTarget,
		},
	}
	for _, m := range opts.ExtraMounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	initTrue := true
	hostCfg := &container.HostConfig{
		Mounts:     mounts,
		Init:       &initTrue,
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}
	if opts.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(opts.CPULimit * 1e9)
	}
	if opts.MemoryLimit > 0 {
		hostCfg.Memory = opts.MemoryLimit
	}

	labels := map[string]string{"minidani": "true"}
	for k, v := range opts.Labels {
		labels[k] = v
	}
	// A TTY keeps stdout and stderr in one unmultiplexed stream.
	containerCfg := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Command,
		Env:        envSlice,
		WorkingDir: WorkspaceTarget,
		Tty:        true,
		Labels:     labels,
	}
	if opts.UserID != "" {
		containerCfg.User = opts.UserID
	}
	return containerCfg, hostCfg
}

// RunContainer blocks until the container exits, the timeout passes or ctx
// is canceled. The container is always removed.
func RunContainer(ctx context.Context, opts *RunOpts) (*RunResult, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	defer cli.Close()

	containerCfg, hostCfg := buildConfig(opts)
	createResp, err := cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	containerID := createResp.ID
	defer func() {
		cli.ContainerRemove(context.Background(), containerID, client.ContainerRemoveOptions{Force: true})
	}()

	start := time.Now()
	if _, err := cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	collectLogs := func() []byte {
		logReader, err := cli.ContainerLogs(context.Background(), containerID, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true, Tail: logTail})
		if err != nil || logReader == nil {
			return nil
		}
		defer logReader.Close()
		data, _ := io.ReadAll(logReader)
		return data
	}

	waitResult := cli.ContainerWait(timeoutCtx, containerID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	for {
		select {
		case err := <-waitResult.Error:
			if err != nil {
				cli.ContainerKill(context.Background(), containerID, client.ContainerKillOptions{Signal: "SIGKILL"})
				return &RunResult{
					ExitCode: ExitTimeout,
					TimedOut: !errors.Is(ctx.Err(), context.Canceled),
					Canceled: errors.Is(ctx.Err(), context.Canceled),
					Duration: time.Since(start),
					Output:   collectLogs(),
				}, nil
			}
			// nil error means no error on this channel; wait for result
		case status := <-waitResult.Result:
			return &RunResult{
				ExitCode: int(status.StatusCode),
				Duration: time.Since(start),
				Output:   collectLogs(),
			}, nil
		}
	}
}
