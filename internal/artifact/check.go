package artifact

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CheckResult is the outcome of the optional objective check command
// (usually the project's test suite) run inside a workspace.
type CheckResult struct {
	Command  string  `json:"command"`
	Passed   bool    `json:"passed"`
	Score    float64 `json:"score"` // pass rate, 0.0-1.0
	ExitCode int     `json:"exit_code"`
	Output   string  `json:"output,omitempty"`
}

const checkOutputLimit = 4000

// RunCheck executes cmd through the shell in dir.
func RunCheck(ctx context.Context, dir, cmd string) (*CheckResult, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Dir = dir
	out, err := c.CombinedOutput()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running check %q: %w", cmd, err)
		}
		exitCode = exitErr.ExitCode()
	}
	res := ParseCheckResults(string(out), exitCode)
	res.Command = cmd
	if len(res.Output) > checkOutputLimit {
		res.Output = "..." + res.Output[len(res.Output)-checkOutputLimit:]
	}
	return res, nil
}

// ParseCheckResults interprets output and exit code into a pass rate.
func ParseCheckResults(output string, exitCode int) *CheckResult {
	if exitCode == 0 {
		return &CheckResult{Passed: true, Score: 1.0, Output: output}
	}
	return &CheckResult{Score: parsePassRate(output), Output: output, ExitCode: exitCode}
}

func parsePassRate(output string) float64 {
	if strings.Contains(output, "<testsuite") {
		return parseJUnitXML(output)
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.Trim(strings.TrimSpace(line), "=")
		line = strings.TrimSpace(line)
		var passed, failed int
		if n, _ := fmt.Sscanf(line, "%d passed", &passed); n == 1 {
			fmt.Sscanf(line, "%d passed, %d failed", &passed, &failed)
			total := passed + failed
			if total > 0 {
				return float64(passed) / float64(total)
			}
		}
	}
	return 0.0
}

func parseJUnitXML(output string) float64 {
	var tests, failures, errs int
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "<testsuite") {
			continue
		}
		fmt.Sscanf(extractAttr(line, "tests"), "%d", &tests)
		fmt.Sscanf(extractAttr(line, "failures"), "%d", &failures)
		fmt.Sscanf(extractAttr(line, "errors"), "%d", &errs)
		if tests > 0 {
			passed := tests - failures - errs
			if passed < 0 {
				passed = 0
			}
			return float64(passed) / float64(tests)
		}
	}
	return 0.0
}

func extractAttr(line, attr string) string {
	key := attr + `="`
	idx := strings.Index(line, key)
	if idx < 0 {
		return ""
	}
	start := idx + len(key)
	end := strings.Index(line[start:], `"`)
	if end < 0 {
		return ""
	}
	return line[start : start+end]
}
