package judge

import (
	"context"
	"fmt"

	"github.com/signalnine/minidani/internal/agent"
	"github.com/signalnine/minidani/internal/llm"
)

// AgentEvaluator asks the coding agent itself to judge, running in the
// source repository so it can read every competitor's worktree.
type AgentEvaluator struct {
	Invoker agent.Invoker
	Dir     string
}

func (a *AgentEvaluator) Evaluate(ctx context.Context, prompt string) (string, error) {
	resp, err := a.Invoker.Invoke(ctx, agent.Request{Prompt: prompt, Dir: a.Dir, Identity: "judge"})
	_ = agent.ClearStatus(a.Dir)
	if err != nil {
		return "", err
	}
	if resp.Output != "" {
		return resp.Output, nil
	}
	return resp.Summary, nil
}

// HTTPEvaluator sends the prompt to an OpenAI-compatible chat endpoint.
type HTTPEvaluator struct {
	Client *llm.Client
}

func (h *HTTPEvaluator) Evaluate(ctx context.Context, prompt string) (string, error) {
	if h.Client == nil {
		return "", fmt.Errorf("no judge client configured")
	}
	return h.Client.Complete(ctx, prompt, true)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, prompt string) (string, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
