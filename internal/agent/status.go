package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StatusFileName is the file an agent may write in its working directory to
// report progress.
const StatusFileName = ".minidani-status.json"

const summaryLimit = 4000

type statusFile struct {
	Status  Status   `json:"status"`
	Summary string   `json:"summary"`
	Files   []string `json:"files_modified"`
}

// ClearStatus removes a status file left by a previous iteration.
func ClearStatus(dir string) error {
	err := os.Remove(filepath.Join(dir, StatusFileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ParseStatus strictly decodes a status file.
func ParseStatus(data []byte) (*Response, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var sf statusFile
	if err := dec.Decode(&sf); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", StatusFileName, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decoding %s: trailing data", StatusFileName)
	}
	switch sf.Status {
	case StatusComplete, StatusContinue, StatusFailed:
	default:
		return nil, fmt.Errorf("%s: unknown status %q", StatusFileName, sf.Status)
	}
	return &Response{Status: sf.Status, Summary: sf.Summary, Files: sf.Files}, nil
}

// BuildResponse reads the status file in dir if there is one; otherwise
// the agent's stdout is the summary of a complete attempt.
func BuildResponse(dir, stdout string) (*Response, error) {
	data, err := os.ReadFile(filepath.Join(dir, StatusFileName))
	switch {
	case err == nil:
		resp, perr := ParseStatus(data)
		if perr != nil {
			return nil, &InvocationError{Kind: KindMalformed, Err: perr, Diagnostic: tail(string(data), diagnosticLimit)}
		}
		resp.Output = stdout
		return resp, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, &InvocationError{Kind: KindMalformed, Err: err}
	}

	text := strings.TrimSpace(stdout)
	if text == "" {
		return nil, &InvocationError{Kind: KindMissing, Err: errors.New("agent produced no output and no status file")}
	}
	return &Response{Status: StatusComplete, Summary: tail(text, summaryLimit), Output: stdout}, nil
}
