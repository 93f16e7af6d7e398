package artifact

import (
	"os"
	"path/filepath"
	"strings"
)

// Metrics summarizes the source files a competitor changed.
type Metrics struct {
	Score         float64 `json:"score"` // 0.0-1.0
	FileCount     int     `json:"file_count"`
	TotalLOC      int     `json:"total_loc"`
	MaxFileLOC    int     `json:"max_file_loc"`
	MaxFileName   string  `json:"max_file_name,omitempty"`
	AvgFileLOC    int     `json:"avg_file_loc"`
	TestFileCount int     `json:"test_file_count"`
}

var sourceExts = map[string]bool{
	".go": true, ".py": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".rs": true, ".java": true, ".kt": true, ".rb": true, ".c": true, ".h": true,
	".cc": true, ".cpp": true, ".hpp": true, ".cs": true, ".swift": true, ".php": true,
	".sh": true, ".scala": true,
}

func isSource(name string) bool {
	return sourceExts[strings.ToLower(filepath.Ext(name))] && !strings.HasSuffix(name, ".d.ts")
}

func isTestFile(rel string) bool {
	base := filepath.Base(rel)
	switch {
	case strings.HasSuffix(base, "_test.go"),
		strings.Contains(base, ".test."),
		strings.Contains(base, ".spec."),
		strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py"),
		strings.HasSuffix(base, "_test.py"),
		strings.HasSuffix(base, "Test.java"):
		return true
	}
	rel = filepath.ToSlash(rel)
	return strings.Contains(rel, "__tests__/") || strings.HasPrefix(rel, "tests/") || strings.Contains(rel, "/tests/")
}

// ComputeMetrics measures the given files relative to dir. Deleted and
// non-source files are skipped.
func ComputeMetrics(dir string, files []string) *Metrics {
	m := &Metrics{}
	for _, rel := range files {
		if !isSource(rel) {
			continue
		}
		path := filepath.Join(dir, rel)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if isTestFile(rel) {
			m.TestFileCount++
		}
		loc := countLOC(path)
		m.FileCount++
		m.TotalLOC += loc
		if loc > m.MaxFileLOC {
			m.MaxFileLOC = loc
			m.MaxFileName = rel
		}
	}
	if m.FileCount > 0 {
		m.AvgFileLOC = m.TotalLOC / m.FileCount
	}
	m.Score = metricsScore(m)
	return m
}

func metricsScore(m *Metrics) float64 {
	if m.FileCount == 0 {
		return 0
	}
	score := 0.0

	// File organization: multiple files preferred over monolith (0-0.4)
	if m.FileCount >= 3 {
		score += 0.4
	} else if m.FileCount == 2 {
		score += 0.3
	} else {
		score += 0.1
	}

	// No monolithic files (0-0.3)
	if m.MaxFileLOC <= 200 {
		score += 0.3
	} else if m.MaxFileLOC <= 500 {
		score += 0.2
	} else if m.MaxFileLOC <= 800 {
		score += 0.1
	}

	// Competitor wrote tests (0-0.3)
	if m.TestFileCount >= 3 {
		score += 0.3
	} else if m.TestFileCount >= 1 {
		score += 0.2
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// countLOC counts non-empty, non-comment lines in a file.
func countLOC(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	count := 0
	inBlockComment := false
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if inBlockComment {
			if strings.Contains(trimmed, "*/") {
				inBlockComment = false
			}
			continue
		}
		if strings.HasPrefix(trimmed, "/*") {
			inBlockComment = !strings.Contains(trimmed, "*/")
			continue
		}
		if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") {
			continue
		}
		count++
	}
	return count
}
