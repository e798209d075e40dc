package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models agentforge.yml, the per-project orchestration config.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Lifecycles map[string]Lifecycle `yaml:"lifecycles"`
	Phases     []Phase              `yaml:"phases"`
	Broker     BrokerConfig         `yaml:"broker"`
	Content    ContentConfig        `yaml:"content"`
	Webhooks   []WebhookConfig      `yaml:"webhooks"`
}

// Lifecycle is the ordered stage list for one candidate kind.
type Lifecycle struct {
	Stages     []string            `yaml:"stages"`
	DeployFrom string              `yaml:"deploy_from"`
	Approvers  []string            `yaml:"approvers"`
	Artifacts  map[string][]string `yaml:"artifacts"`
}

type Phase struct {
	Number int            `yaml:"number"`
	Name   string         `yaml:"name"`
	Tasks  []TaskTemplate `yaml:"tasks"`
}

type TaskTemplate struct {
	Team  string `yaml:"team"`
	Type  string `yaml:"type"`
	Title string `yaml:"title"`
}

type BrokerConfig struct {
	Provider   string `yaml:"provider"`
	OrderLimit int    `yaml:"order_limit"`
}

type ContentConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Phase returns the phase definition with the given number.
func (c *Config) Phase(number int) (Phase, bool) {
	for _, p := range c.Phases {
		if p.Number == number {
			return p, true
		}
	}
	return Phase{}, false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "agent-business" {
		return fmt.Errorf("config.project.kind must be 'agent-business'")
	}
	if len(c.Lifecycles) == 0 {
		return fmt.Errorf("config.lifecycles is required")
	}
	for name, lc := range c.Lifecycles {
		if len(lc.Stages) < 2 {
			return fmt.Errorf("lifecycle %s needs at least two stages", name)
		}
		seen := map[string]bool{}
		for _, s := range lc.Stages {
			if s == "" {
				return fmt.Errorf("lifecycle %s has empty stage name", name)
			}
			if seen[s] {
				return fmt.Errorf("lifecycle %s repeats stage %s", name, s)
			}
			seen[s] = true
		}
		if lc.DeployFrom != "" && !seen[lc.DeployFrom] {
			return fmt.Errorf("lifecycle %s deploy_from %s is not a stage", name, lc.DeployFrom)
		}
		if len(lc.Approvers) == 0 {
			return fmt.Errorf("lifecycle %s requires at least one approver", name)
		}
		for stage := range lc.Artifacts {
			if !seen[stage] {
				return fmt.Errorf("lifecycle %s lists artifacts for unknown stage %s", name, stage)
			}
		}
	}
	numbers := map[int]bool{}
	for _, p := range c.Phases {
		if p.Number <= 0 {
			return fmt.Errorf("phase %q must have a positive number", p.Name)
		}
		if numbers[p.Number] {
			return fmt.Errorf("phase %d defined twice", p.Number)
		}
		numbers[p.Number] = true
		for _, t := range p.Tasks {
			if t.Team == "" || t.Type == "" || t.Title == "" {
				return fmt.Errorf("phase %d has a task template missing team, type or title", p.Number)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agentforge.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
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

// YAML renders the config for display or export.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: agent-business

lifecycles:
  strategy:
    stages: [research, backtest, paper, staged_live, full_live]
    deploy_from: paper
    approvers: [ceo, user]
    artifacts:
      research: [thesis, universe]
      backtest: [sharpe, max_drawdown, total_return]
      paper: [trades, pnl]
      staged_live: [allocation, pnl]
      full_live: [allocation]
  deliverable:
    stages: [phase_1, phase_2, phase_3, phase_4, phase_5, phase_6]
    approvers: [ceo, user]

phases:
  - number: 1
    name: research
    tasks:
      - {team: research, type: market_research, title: "Market research brief"}
      - {team: research, type: competitor_scan, title: "Competitor landscape"}
  - number: 2
    name: branding
    tasks:
      - {team: branding, type: brand_identity, title: "Brand identity draft"}
      - {team: branding, type: naming, title: "Name and tagline options"}
  - number: 3
    name: development
    tasks:
      - {team: development, type: mvp_plan, title: "MVP build plan"}
  - number: 4
    name: content
    tasks:
      - {team: content, type: content_calendar, title: "Content calendar"}
  - number: 5
    name: marketing
    tasks:
      - {team: marketing, type: campaign_plan, title: "Launch campaign plan"}
  - number: 6
    name: sales
    tasks:
      - {team: sales, type: sales_playbook, title: "Sales playbook"}
      - {team: trading, type: strategy_review, title: "Strategy desk review"}

broker:
  provider: ""
  order_limit: 500

content:
  enabled: true
  model: gemini-1.5-flash
  system_prompt: "You are the chief of staff of an AI-run company. Summarize status for the team in JSON."
`
