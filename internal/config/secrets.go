package config

import (
	"fmt"
	"os"
	"strings"
)

// ParseEnvFile reads KEY=VALUE lines from a dotenv-style file. Blank lines,
// comments and lines without '=' are skipped; an "export " prefix and
// matching surrounding quotes are removed.
func ParseEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		s := strings.TrimSpace(line)
		if s == "" || s[0] == '#' {
			continue
		}
		s = strings.TrimPrefix(s, "export ")
		eqIdx := strings.IndexByte(s, '=')
		if eqIdx <= 0 {
			continue
		}
		key := strings.TrimSpace(s[:eqIdx])
		vars[key] = stripQuotes(strings.TrimSpace(s[eqIdx+1:]))
	}
	return vars, nil
}

// LoadSecrets exports the variables of the configured env file into the
// process environment. Variables already set are left untouched.
func (c *Config) LoadSecrets() (int, error) {
	if c.Secrets.EnvFile == "" {
		return 0, nil
	}
	vars, err := ParseEnvFile(c.Secrets.EnvFile)
	if err != nil {
		return 0, fmt.Errorf("loading secrets: %w", err)
	}
	n := 0
	for k, v := range vars {
		if _, ok := os.LookupEnv(k); ok {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return n, fmt.Errorf("setting %s: %w", k, err)
		}
		n++
	}
	return n, nil
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
