package judge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/signalnine/minidani/internal/artifact"
)

// Request is what the judge is shown for one round.
type Request struct {
	Task    string  `json:"task"`
	Round   int     `json:"round"`
	Rubric  Rubric  `json:"rubric"`
	Entries []Entry `json:"competitors"`
}

type Entry struct {
	ID        string           `json:"id"`
	Summary   string           `json:"summary"`
	Files     []string         `json:"files_modified"`
	Workspace string           `json:"workspace,omitempty"`
	Branch    string           `json:"branch,omitempty"`
	Digest    *artifact.Digest `json:"artifacts,omitempty"`
}

func (r *Request) IDs() []string {
	ids := make([]string, len(r.Entries))
	for i, e := range r.Entries {
		ids[i] = e.ID
	}
	return ids
}

// RenderPrompt turns a request into the text handed to the evaluator.
func RenderPrompt(r *Request) string {
	body, _ := json.MarshalIndent(r, "", "  ")

	var crit strings.Builder
	for _, c := range r.Rubric {
		fmt.Fprintf(&crit, "- %s (weight %d%%)\n", c.Name, c.Weight)
	}
	ids := r.IDs()
	example := make([]string, len(ids))
	for i, id := range ids {
		example[i] = fmt.Sprintf("%q: 0", id)
	}

	return fmt.Sprintf(`You are judging competing implementations of the same task.
Each competitor worked in its own git worktree; the workspace paths are listed
below and you may inspect them. Do not modify any files.

Score every competitor from 0 to 100 using these weighted criteria:
%s
Round %d request:
%s

Reply with ONLY one JSON object and nothing else:
{"scores": {%s}, "winner": "<id>", "rationale": "<why the winner is best and what the others lack>",
 "criteria": {"<id>": {"<criterion>": 0}}}
Use exactly these competitor ids: %s. Scores are integers. "criteria" is optional.`,
		crit.String(), r.Round, body, strings.Join(example, ", "), strings.Join(ids, ", "))
}
