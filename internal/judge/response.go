package judge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/signalnine/minidani/internal/llm"
)

// MinScore and MaxScore bound every composite and criterion rating.
const (
	MinScore = 0
	MaxScore = 100
)

// Response is a judge reply that passed parsing. Criteria is optional.
type Response struct {
	Scores    map[string]int            `json:"scores"`
	Winner    string                    `json:"winner"`
	Rationale string                    `json:"rationale"`
	Criteria  map[string]map[string]int `json:"criteria,omitempty"`
}

type ValidationError struct {
	Reason string
	Raw    string
}

func (e *ValidationError) Error() string {
	return "judge response invalid: " + e.Reason
}

type InvocationError struct {
	Err error
}

func (e *InvocationError) Error() string {
	return "judge invocation failed: " + e.Err.Error()
}

func (e *InvocationError) Unwrap() error { return e.Err }

func invalid(raw, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...), Raw: raw}
}

type wireResponse struct {
	Scores    map[string]json.RawMessage            `json:"scores"`
	Winner    *string                               `json:"winner"`
	Rationale *string                               `json:"rationale"`
	Criteria  map[string]map[string]json.RawMessage `json:"criteria"`
}

func parseScore(raw json.RawMessage) (int, error) {
	n, err := strconv.Atoi(string(bytes.TrimSpace(raw)))
	if err != nil {
		return 0, fmt.Errorf("%s is not an integer", raw)
	}
	if n < MinScore || n > MaxScore {
		return 0, fmt.Errorf("%d is outside %d-%d", n, MinScore, MaxScore)
	}
	return n, nil
}

// ParseResponse decodes a judge reply. The reply must be a single JSON
// object, optionally inside a markdown code fence, with no other text.
func ParseResponse(raw string) (*Response, error) {
	body := llm.StripFences(raw)
	if !strings.HasPrefix(body, "{") {
		return nil, invalid(raw, "response is not a JSON object")
	}
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	var w wireResponse
	if err := dec.Decode(&w); err != nil {
		return nil, invalid(raw, "decoding: %v", err)
	}
	if dec.More() {
		return nil, invalid(raw, "trailing data after JSON object")
	}
	if w.Scores == nil {
		return nil, invalid(raw, "missing scores")
	}
	if w.Winner == nil {
		return nil, invalid(raw, "missing winner")
	}
	if w.Rationale == nil {
		return nil, invalid(raw, "missing rationale")
	}

	resp := &Response{
		Scores:    make(map[string]int, len(w.Scores)),
		Winner:    *w.Winner,
		Rationale: *w.Rationale,
	}
	for id, v := range w.Scores {
		n, err := parseScore(v)
		if err != nil {
			return nil, invalid(raw, "score for %q: %v", id, err)
		}
		resp.Scores[id] = n
	}
	if len(w.Criteria) > 0 {
		resp.Criteria = make(map[string]map[string]int, len(w.Criteria))
		for id, crit := range w.Criteria {
			m := make(map[string]int, len(crit))
			for name, v := range crit {
				n, err := parseScore(v)
				if err != nil {
					return nil, invalid(raw, "criterion %q for %q: %v", name, id, err)
				}
				m[name] = n
			}
			resp.Criteria[id] = m
		}
	}
	return resp, nil
}

// Validate checks the reply against the competitors that were judged.
func (r *Response) Validate(ids []string, rubric Rubric) error {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var missing, extra []string
	for _, id := range ids {
		if _, ok := r.Scores[id]; !ok {
			missing = append(missing, id)
		}
	}
	for id := range r.Scores {
		if !want[id] {
			extra = append(extra, id)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(extra)
		return &ValidationError{Reason: fmt.Sprintf("score keys do not match judged competitors (missing %v, unexpected %v)", missing, extra)}
	}
	if _, ok := r.Scores[r.Winner]; !ok {
		return &ValidationError{Reason: fmt.Sprintf("winner %q is not among the scored competitors", r.Winner)}
	}
	for id, crit := range r.Criteria {
		if !want[id] {
			return &ValidationError{Reason: fmt.Sprintf("criteria for unknown competitor %q", id)}
		}
		for name := range crit {
			if !rubric.Has(name) {
				return &ValidationError{Reason: fmt.Sprintf("criteria for %q name unknown criterion %q", id, name)}
			}
		}
	}
	for _, s := range r.Scores {
		if s < MinScore || s > MaxScore {
			return &ValidationError{Reason: fmt.Sprintf("score %d outside %d-%d", s, MinScore, MaxScore)}
		}
	}
	return nil
}
