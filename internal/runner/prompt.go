package runner

import (
	"fmt"
	"strings"

	"github.com/signalnine/minidani/internal/agent"
)

const statusInstructions = `When you stop, write a JSON file named %s in the current directory:
{"status": "complete" | "continue" | "failed", "summary": "<what you did>", "files_modified": ["<path>", ...]}
Use "continue" only if more work is needed and you want another turn.`

// BuildPrompt returns the prompt for one iteration. Later iterations
// carry the agent's previous summary so it can pick up where it stopped.
func BuildPrompt(task, feedback string, iteration int, previous string) string {
	var b strings.Builder
	if iteration > 1 {
		fmt.Fprintf(&b, "Continue working on the task below (turn %d).\n", iteration)
		if previous != "" {
			fmt.Fprintf(&b, "Your previous summary:\n%s\n\n", previous)
		}
	}
	fmt.Fprintf(&b, "User task:\n%s\n", task)
	if feedback != "" {
		fmt.Fprintf(&b, "\n%s\n", feedback)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, statusInstructions, agent.StatusFileName)
	return b.String()
}
