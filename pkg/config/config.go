// Package config loads and validates the daemon configuration from
// loom.yaml. Defaults are merged under the user file, environment variables
// are expanded before parsing, and validation runs after resolution.
package config

import (
	"errors"
	"time"
)

// ErrInvalidYAML wraps YAML syntax errors surfaced by Load.
var ErrInvalidYAML = errors.New("invalid YAML syntax")

// Config is the fully resolved daemon configuration.
type Config struct {
	WorkspaceDir string
	StateDir     string

	Server       ServerConfig
	Store        StoreConfig
	Executor     ExecutorConfig
	Planner      PlannerConfig
	Orchestrator OrchestratorConfig
	LLM          LLMConfig
	Memory       MemoryConfig
	Search       SearchConfig
	Slack        SlackConfig
	Retention    RetentionConfig
	MCPServers   map[string]MCPServerConfig
}

// ServerConfig holds the HTTP listener settings. Port 0 binds an ephemeral
// port; the daemon writes the chosen port to a file in the state dir.
type ServerConfig struct {
	Host string
	Port int
}

// StoreConfig selects the snapshot store backend.
type StoreConfig struct {
	Backend string // "sqlite" or "postgres"
	DSN     string // postgres only; the sqlite path derives from StateDir
}

// ExecutorConfig bounds subtask execution.
type ExecutorConfig struct {
	MaxParallelSubtasks int
	MaxRetries          int
	MaxTurnsPerSubtask  int
}

// PlannerConfig bounds the decomposition phase.
type PlannerConfig struct {
	MemoryTimeout time.Duration
}

// OrchestratorConfig bounds the conversational loop.
type OrchestratorConfig struct {
	IdleTimeout time.Duration
}

// LLMConfig selects the model provider backing all agents.
type LLMConfig struct {
	Provider  string
	Model     string
	APIKeyEnv string
	BaseURL   string
}

// MemoryConfig points at the cloud memory service. An empty BaseURL
// disables memory entirely (the planner then always plans from scratch).
type MemoryConfig struct {
	BaseURL   string
	APIKeyEnv string
}

// SearchConfig points at the web search endpoint used by the web_search
// tool.
type SearchConfig struct {
	BaseURL   string
	APIKeyEnv string
}

// SlackConfig holds task-completion notification settings.
type SlackConfig struct {
	Enabled  bool
	TokenEnv string
	Channel  string
}

// RetentionConfig bounds how long finished task snapshots are kept.
type RetentionConfig struct {
	SnapshotRetentionDays int
	CleanupInterval       time.Duration
}

// MCPServerConfig describes one MCP server providing agent tools.
// AgentTypes restricts which worker palettes receive the server's tools;
// empty means every agent type.
type MCPServerConfig struct {
	Transport  string            `yaml:"transport"` // "stdio" or "http"
	Command    string            `yaml:"command,omitempty"`
	Args       []string          `yaml:"args,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	URL        string            `yaml:"url,omitempty"`
	AgentTypes []string          `yaml:"agent_types,omitempty"`
}

// Default returns the built-in configuration, used when loom.yaml is absent
// and as the base the user file is merged onto.
func Default() *Config {
	return &Config{
		WorkspaceDir: "~/loom/workspaces",
		StateDir:     "~/.loom",
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 0,
		},
		Store: StoreConfig{
			Backend: "sqlite",
		},
		Executor: ExecutorConfig{
			MaxParallelSubtasks: 5,
			MaxRetries:          2,
			MaxTurnsPerSubtask:  50,
		},
		Planner: PlannerConfig{
			MemoryTimeout: 20 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			IdleTimeout: 10 * time.Minute,
		},
		LLM: LLMConfig{
			Provider:  "anthropic",
			APIKeyEnv: "LOOM_API_KEY",
		},
		Memory: MemoryConfig{
			APIKeyEnv: "LOOM_MEMORY_API_KEY",
		},
		Search: SearchConfig{
			APIKeyEnv: "LOOM_SEARCH_API_KEY",
		},
		Slack: SlackConfig{
			Enabled:  false,
			TokenEnv: "SLACK_BOT_TOKEN",
		},
		Retention: RetentionConfig{
			SnapshotRetentionDays: 30,
			CleanupInterval:       time.Hour,
		},
		MCPServers: map[string]MCPServerConfig{},
	}
}
