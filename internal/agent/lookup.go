package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// InstallHint is shown when the default agent binary cannot be found.
const InstallHint = `Install the pi coding agent:
  npm install -g @mariozechner/pi-coding-agent
or set agent.command in minidani.yaml (MINIDANI_AGENT_COMMAND) to another agent.`

// Lookup resolves an agent command on PATH, falling back to the npm global
// bin directory where the default agent usually lives.
func Lookup(command string) (string, error) {
	if p, err := exec.LookPath(command); err == nil {
		return p, nil
	}
	if home, err := os.UserHomeDir(); err == nil && !strings.ContainsRune(command, os.PathSeparator) {
		p := filepath.Join(home, ".npm-global", "bin", command)
		if info, err := os.Stat(p); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return p, nil
		}
	}
	return "", fmt.Errorf("agent command %q not found", command)
}

// Version runs `<path> --version` and returns its first output line.
func Version(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", path, err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line, nil
}
