package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// yamlConfig mirrors the loom.yaml file shape. Durations are strings so the
// file reads naturally ("20s", "10m"); they are parsed during resolution.
type yamlConfig struct {
	WorkspaceDir string `yaml:"workspace_dir"`
	StateDir     string `yaml:"state_dir"`

	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	Store struct {
		Backend string `yaml:"backend"`
		DSN     string `yaml:"dsn"`
	} `yaml:"store"`

	Executor struct {
		MaxParallelSubtasks int `yaml:"max_parallel_subtasks"`
		MaxRetries          int `yaml:"max_retries"`
		MaxTurnsPerSubtask  int `yaml:"max_turns_per_subtask"`
	} `yaml:"executor"`

	Planner struct {
		MemoryTimeout string `yaml:"memory_timeout"`
	} `yaml:"planner"`

	Orchestrator struct {
		IdleTimeout string `yaml:"idle_timeout"`
	} `yaml:"orchestrator"`

	LLM struct {
		Provider  string `yaml:"provider"`
		Model     string `yaml:"model"`
		APIKeyEnv string `yaml:"api_key_env"`
		BaseURL   string `yaml:"base_url"`
	} `yaml:"llm"`

	Memory struct {
		BaseURL   string `yaml:"base_url"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"memory"`

	Search struct {
		BaseURL   string `yaml:"base_url"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"search"`

	Slack struct {
		Enabled  *bool  `yaml:"enabled"`
		TokenEnv string `yaml:"token_env"`
		Channel  string `yaml:"channel"`
	} `yaml:"slack"`

	Retention struct {
		SnapshotRetentionDays int    `yaml:"snapshot_retention_days"`
		CleanupInterval       string `yaml:"cleanup_interval"`
	} `yaml:"retention"`

	MCPServers map[string]MCPServerConfig `yaml:"mcp_servers"`
}

// Load reads loom.yaml from configDir, merges it over the defaults, and
// validates the result. A missing file yields the defaults.
func Load(configDir string) (*Config, error) {
	log := slog.With("component", "config", "config_dir", configDir)

	cfg := Default()
	path := filepath.Join(configDir, "loom.yaml")

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Info("No loom.yaml found, using defaults")
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	default:
		data = ExpandEnv(data)

		var fileCfg yamlConfig
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
		}
		if err := apply(cfg, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", path, err)
		}
	}

	cfg.WorkspaceDir = expandHome(cfg.WorkspaceDir)
	cfg.StateDir = expandHome(cfg.StateDir)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration loaded",
		"store_backend", cfg.Store.Backend,
		"workspace_dir", cfg.WorkspaceDir,
		"mcp_servers", len(cfg.MCPServers))
	return cfg, nil
}

// apply merges the user file over the defaults. Non-zero user values win;
// unset fields keep the default.
func apply(cfg *Config, file *yamlConfig) error {
	overlay := Config{
		WorkspaceDir: file.WorkspaceDir,
		StateDir:     file.StateDir,
		Server:       ServerConfig{Host: file.Server.Host, Port: file.Server.Port},
		Store:        StoreConfig{Backend: file.Store.Backend, DSN: file.Store.DSN},
		Executor: ExecutorConfig{
			MaxParallelSubtasks: file.Executor.MaxParallelSubtasks,
			MaxRetries:          file.Executor.MaxRetries,
			MaxTurnsPerSubtask:  file.Executor.MaxTurnsPerSubtask,
		},
		LLM: LLMConfig{
			Provider:  file.LLM.Provider,
			Model:     file.LLM.Model,
			APIKeyEnv: file.LLM.APIKeyEnv,
			BaseURL:   file.LLM.BaseURL,
		},
		Memory: MemoryConfig{BaseURL: file.Memory.BaseURL, APIKeyEnv: file.Memory.APIKeyEnv},
		Search: SearchConfig{BaseURL: file.Search.BaseURL, APIKeyEnv: file.Search.APIKeyEnv},
		Slack: SlackConfig{TokenEnv: file.Slack.TokenEnv, Channel: file.Slack.Channel},
		Retention: RetentionConfig{
			SnapshotRetentionDays: file.Retention.SnapshotRetentionDays,
		},
	}

	if err := mergo.Merge(cfg, overlay, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge configuration: %w", err)
	}

	// Booleans and durations need explicit handling: mergo cannot tell an
	// intentional false/zero from an unset field.
	if file.Slack.Enabled != nil {
		cfg.Slack.Enabled = *file.Slack.Enabled
	}
	if file.Planner.MemoryTimeout != "" {
		d, err := parseDuration("planner.memory_timeout", file.Planner.MemoryTimeout)
		if err != nil {
			return err
		}
		cfg.Planner.MemoryTimeout = d
	}
	if file.Orchestrator.IdleTimeout != "" {
		d, err := parseDuration("orchestrator.idle_timeout", file.Orchestrator.IdleTimeout)
		if err != nil {
			return err
		}
		cfg.Orchestrator.IdleTimeout = d
	}
	if file.Retention.CleanupInterval != "" {
		d, err := parseDuration("retention.cleanup_interval", file.Retention.CleanupInterval)
		if err != nil {
			return err
		}
		cfg.Retention.CleanupInterval = d
	}
	for name, server := range file.MCPServers {
		cfg.MCPServers[name] = server
	}
	return nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %q", field, value)
	}
	return d, nil
}

// expandHome resolves a leading ~/ against the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}

// SQLitePath returns the snapshot database location for the sqlite backend.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.StateDir, "loom.db")
}

// PortFilePath returns where the daemon records its bound HTTP port.
func (c *Config) PortFilePath() string {
	return filepath.Join(c.StateDir, "loomd.port")
}
