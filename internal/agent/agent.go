// Package agent launches the external coding agent and turns whatever it
// leaves behind into a structured Response. The agent itself is opaque: it
// receives a prompt and a working directory and may report its status in a
// small JSON file.
package agent

import (
	"context"
	"fmt"
)

type Status string

const (
	StatusComplete Status = "complete"
	StatusContinue Status = "continue"
	StatusFailed   Status = "failed"
)

type Request struct {
	Prompt   string
	Dir      string
	Identity string
	// OnOutput, when set, receives each line the agent prints.
	OnOutput func(line string)
}

type Response struct {
	Status  Status
	Summary string
	Files   []string
	Output  string
}

type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

type FailureKind string

const (
	KindExit      FailureKind = "exit"
	KindTimeout   FailureKind = "timeout"
	KindMalformed FailureKind = "malformed"
	KindMissing   FailureKind = "missing"
	KindStart     FailureKind = "start"
	KindCanceled  FailureKind = "canceled"
)

type InvocationError struct {
	Kind       FailureKind
	ExitCode   int
	Diagnostic string
	Err        error
}

func (e *InvocationError) Error() string {
	msg := fmt.Sprintf("agent %s", e.Kind)
	if e.Kind == KindExit {
		msg += fmt.Sprintf(" (code %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Diagnostic != "" {
		msg += ": " + e.Diagnostic
	}
	return msg
}

func (e *InvocationError) Unwrap() error { return e.Err }

const diagnosticLimit = 500

// tail keeps the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
