package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models shipline.yml.
type Config struct {
	Pipeline struct {
		Repo                string `yaml:"repo"`
		BaseBranch          string `yaml:"base_branch"`
		RequirePlanApproval bool   `yaml:"require_plan_approval"`
		MaxRejectionRetries int    `yaml:"max_rejection_retries"`
	} `yaml:"pipeline"`
	Agent struct {
		// BridgeCommand is the external process workers exec for
		// collaborator calls (completion, source control, document
		// import). Requests go to its stdin as one JSON object,
		// the reply comes back on stdout.
		BridgeCommand  []string       `yaml:"bridge_command"`
		PlannerModel   string         `yaml:"planner_model"`
		DeveloperModel string         `yaml:"developer_model"`
		ReviewerModel  string         `yaml:"reviewer_model"`
		FallbackModel  string         `yaml:"fallback_model"`
		MaxTokens      int            `yaml:"max_tokens"`
		TimeoutSeconds map[string]int `yaml:"timeout_seconds"`
	} `yaml:"agent"`
	Queue struct {
		MaxAttempts       int `yaml:"max_attempts"`
		BackoffBaseSecs   int `yaml:"backoff_base_seconds"`
		LeaseMinutes      int `yaml:"lease_minutes"`
		StallCheckMinutes int `yaml:"stall_check_minutes"`
		MaxStalls         int `yaml:"max_stalls"`
	} `yaml:"queue"`
	Workers  int             `yaml:"workers"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Events  []string          `yaml:"events"`
	Headers map[string]string `yaml:"headers"`
	Enabled *bool             `yaml:"enabled"`
}

// LeaseDuration returns how long a worker may hold a job. Stage handlers
// make synchronous model calls that legitimately take minutes, so the
// default is deliberately long.
func (c *Config) LeaseDuration() time.Duration {
	m := c.Queue.LeaseMinutes
	if m <= 0 {
		m = 15
	}
	return time.Duration(m) * time.Minute
}

func (c *Config) StallCheckInterval() time.Duration {
	m := c.Queue.StallCheckMinutes
	if m <= 0 {
		m = 5
	}
	return time.Duration(m) * time.Minute
}

// AgentTimeout returns the per-call timeout for a pipeline stage, zero
// meaning no bound.
func (c *Config) AgentTimeout(stage string) time.Duration {
	if c.Agent.TimeoutSeconds == nil {
		return 0
	}
	return time.Duration(c.Agent.TimeoutSeconds[stage]) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pipeline.Repo == "" {
		return fmt.Errorf("config.pipeline.repo is required")
	}
	if c.Pipeline.BaseBranch == "" {
		return fmt.Errorf("config.pipeline.base_branch is required")
	}
	if c.Pipeline.MaxRejectionRetries < 0 {
		return fmt.Errorf("config.pipeline.max_rejection_retries must be >= 0")
	}
	if c.Agent.PlannerModel == "" || c.Agent.DeveloperModel == "" || c.Agent.ReviewerModel == "" {
		return fmt.Errorf("config.agent planner/developer/reviewer models are required")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("config.queue.max_attempts must be > 0")
	}
	if c.Queue.BackoffBaseSecs <= 0 {
		return fmt.Errorf("config.queue.backoff_base_seconds must be > 0")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config.workers must be > 0")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "shipline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with ship config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a target repository.
func Default(repo string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(repo))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(repo string) string {
	return fmt.Sprintf(defaultTemplate, repo)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `pipeline:
  repo: %s
  base_branch: main
  require_plan_approval: true
  max_rejection_retries: 3

agent:
  bridge_command: []
  planner_model: claude-sonnet-4
  developer_model: claude-sonnet-4
  reviewer_model: claude-sonnet-4
  fallback_model: claude-haiku-4
  max_tokens: 8192
  timeout_seconds:
    plan: 180
    decompose: 120
    develop: 300
    qa_review: 180

queue:
  max_attempts: 3
  backoff_base_seconds: 5
  lease_minutes: 15
  stall_check_minutes: 5
  max_stalls: 3

workers: 3

webhooks: []
`
