package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Agent    Agent    `yaml:"agent"`
	Judge    Judge    `yaml:"judge"`
	Namer    Namer    `yaml:"namer"`
	Session  Session  `yaml:"session"`
	Branch   Branch   `yaml:"branch"`
	Finalize Finalize `yaml:"finalize"`
	Status   Status   `yaml:"status"`
	Secrets  Secrets  `yaml:"secrets"`
	Results  Results  `yaml:"results"`
}

// Agent describes how the external coding agent is launched.
// Args may contain {model} and {prompt} placeholders; when {prompt} is
// absent the prompt is appended as the last argument.
type Agent struct {
	Backend  string            `yaml:"backend"`
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args"`
	Model    string            `yaml:"model"`
	Image    string            `yaml:"image"`
	Env      map[string]string `yaml:"env"`
	CPULimit float64           `yaml:"cpu_limit"`
	MemoryMB int64             `yaml:"memory_mb"`
}

type Judge struct {
	Backend   string            `yaml:"backend"`
	BaseURL   string            `yaml:"base_url"`
	Model     string            `yaml:"model"`
	APIKeyEnv string            `yaml:"api_key_env"`
	CheckCmd  string            `yaml:"check_cmd"`
	Timeout   time.Duration     `yaml:"timeout"`
	Rubric    []RubricCriterion `yaml:"rubric"`
}

type RubricCriterion struct {
	Criterion string `yaml:"criterion"`
	Weight    int    `yaml:"weight"`
}

type Namer struct {
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
}

type Session struct {
	Competitors       int           `yaml:"competitors"`
	QualityThreshold  int           `yaml:"quality_threshold"`
	MaxRounds         int           `yaml:"max_rounds"`
	MaxIterations     int           `yaml:"max_iterations"`
	CompetitorTimeout time.Duration `yaml:"competitor_timeout"`
}

type Branch struct {
	Prefix string `yaml:"prefix"`
	Name   string `yaml:"name"`
}

type Finalize struct {
	Exclude []string `yaml:"exclude"`
	Draft   bool     `yaml:"draft"`
	NoPR    bool     `yaml:"no_pr"`
}

type Status struct {
	Addr string `yaml:"addr"`
}

type Secrets struct {
	EnvFile string `yaml:"env_file"`
}

type Results struct {
	Dir string `yaml:"dir"`
}

// DefaultRubric mirrors the judging criteria the tool has always used.
var DefaultRubric = []RubricCriterion{
	{Criterion: "completeness", Weight: 35},
	{Criterion: "code_quality", Weight: 30},
	{Criterion: "correctness", Weight: 25},
	{Criterion: "best_practices", Weight: 10},
}

func Default() *Config {
	return &Config{
		Agent: Agent{
			Backend: "exec",
			Command: "pi",
			Args:    []string{"--print", "--model", "{model}"},
			Model:   "claude-sonnet-4-5",
		},
		Judge: Judge{
			Backend:   "agent",
			BaseURL:   "https://api.openai.com",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
			Timeout:   30 * time.Minute,
			Rubric:    append([]RubricCriterion(nil), DefaultRubric...),
		},
		Namer: Namer{
			BaseURL:   "https://api.openai.com",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Session: Session{
			Competitors:       3,
			QualityThreshold:  80,
			MaxRounds:         2,
			MaxIterations:     3,
			CompetitorTimeout: 2 * time.Hour,
		},
		Finalize: Finalize{
			Exclude: []string{
				".opencode/**",
				"plan.md",
				"*.log",
				"**/*.log",
				"__pycache__/**",
				"**/__pycache__/**",
				".minidani-status.json",
			},
		},
		Results: Results{Dir: ".minidani"},
	}
}

// Load reads the YAML config at path on top of the defaults. A missing file
// is not an error unless required is set.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Keys understood by Overlay. Environment variables use the MINIDANI_ prefix
// with dashes replaced by underscores.
const (
	KeyCompetitors       = "competitors"
	KeyQualityThreshold  = "quality-threshold"
	KeyMaxRounds         = "max-rounds"
	KeyMaxIterations     = "max-iterations"
	KeyCompetitorTimeout = "competitor-timeout"
	KeyBranchPrefix      = "branch-prefix"
	KeyBranchName        = "branch-name"
	KeyNoPR              = "no-pr"
	KeyStatusAddr        = "status-addr"
	KeyAgentCommand      = "agent-command"
	KeyAgentBackend      = "agent-backend"
	KeyJudgeBackend      = "judge-backend"
)

// NewViper returns a viper instance wired to the MINIDANI_ environment.
// BRANCH_PREFIX is honored as well for compatibility with older setups.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("MINIDANI")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv(KeyBranchPrefix, "MINIDANI_BRANCH_PREFIX", "BRANCH_PREFIX")
	return v
}

// Overlay applies values set through the environment or bound flags.
func (c *Config) Overlay(v *viper.Viper) error {
	if v.IsSet(KeyCompetitors) {
		c.Session.Competitors = v.GetInt(KeyCompetitors)
	}
	if v.IsSet(KeyQualityThreshold) {
		c.Session.QualityThreshold = v.GetInt(KeyQualityThreshold)
	}
	if v.IsSet(KeyMaxRounds) {
		c.Session.MaxRounds = v.GetInt(KeyMaxRounds)
	}
	if v.IsSet(KeyMaxIterations) {
		c.Session.MaxIterations = v.GetInt(KeyMaxIterations)
	}
	if v.IsSet(KeyCompetitorTimeout) {
		c.Session.CompetitorTimeout = v.GetDuration(KeyCompetitorTimeout)
	}
	if v.IsSet(KeyBranchPrefix) {
		c.Branch.Prefix = v.GetString(KeyBranchPrefix)
	}
	if v.IsSet(KeyBranchName) {
		c.Branch.Name = v.GetString(KeyBranchName)
	}
	if v.IsSet(KeyNoPR) {
		c.Finalize.NoPR = v.GetBool(KeyNoPR)
	}
	if v.IsSet(KeyStatusAddr) {
		c.Status.Addr = v.GetString(KeyStatusAddr)
	}
	if v.IsSet(KeyAgentCommand) {
		c.Agent.Command = v.GetString(KeyAgentCommand)
	}
	if v.IsSet(KeyAgentBackend) {
		c.Agent.Backend = v.GetString(KeyAgentBackend)
	}
	if v.IsSet(KeyJudgeBackend) {
		c.Judge.Backend = v.GetString(KeyJudgeBackend)
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	s := &c.Session
	if s.Competitors < 1 {
		return fmt.Errorf("session.competitors must be at least 1")
	}
	if s.Competitors > 26 {
		return fmt.Errorf("session.competitors must be at most 26")
	}
	if s.MaxRounds < 1 {
		return fmt.Errorf("session.max_rounds must be at least 1")
	}
	if s.MaxIterations < 1 {
		s.MaxIterations = 1
	}
	if s.QualityThreshold < 0 || s.QualityThreshold > 100 {
		return fmt.Errorf("session.quality_threshold must be within 0-100, got %d", s.QualityThreshold)
	}
	if s.CompetitorTimeout <= 0 {
		return fmt.Errorf("session.competitor_timeout must be positive")
	}
	switch c.Agent.Backend {
	case "", "exec":
		c.Agent.Backend = "exec"
		if c.Agent.Command == "" {
			return fmt.Errorf("agent.command is required for the exec backend")
		}
	case "docker":
		if c.Agent.Image == "" {
			return fmt.Errorf("agent.image is required for the docker backend")
		}
	default:
		return fmt.Errorf("agent.backend %q is not one of exec, docker", c.Agent.Backend)
	}
	switch c.Judge.Backend {
	case "", "agent":
		c.Judge.Backend = "agent"
	case "http":
		if c.Judge.BaseURL == "" || c.Judge.Model == "" {
			return fmt.Errorf("judge.base_url and judge.model are required for the http backend")
		}
	default:
		return fmt.Errorf("judge.backend %q is not one of agent, http", c.Judge.Backend)
	}
	if len(c.Judge.Rubric) == 0 {
		c.Judge.Rubric = append([]RubricCriterion(nil), DefaultRubric...)
	}
	total := 0
	for i, r := range c.Judge.Rubric {
		if r.Criterion == "" {
			return fmt.Errorf("judge.rubric[%d]: criterion is required", i)
		}
		if r.Weight <= 0 {
			return fmt.Errorf("judge.rubric[%d] %q: weight must be positive", i, r.Criterion)
		}
		total += r.Weight
	}
	if total != 100 {
		return fmt.Errorf("judge.rubric weights must sum to 100, got %d", total)
	}
	if c.Judge.Timeout <= 0 {
		c.Judge.Timeout = 30 * time.Minute
	}
	if c.Results.Dir == "" {
		c.Results.Dir = ".minidani"
	}
	c.Branch.Prefix = NormalizePrefix(c.Branch.Prefix)
	return nil
}

// NormalizePrefix makes a non-empty branch prefix end with a slash.
func NormalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p != "" && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}
