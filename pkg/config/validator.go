package config

import (
	"fmt"
	"strings"

	"github.com/openloom/loom/pkg/models"
)

// validate checks the resolved configuration for contradictions the daemon
// cannot start with.
func validate(cfg *Config) error {
	var errs []string

	if cfg.WorkspaceDir == "" {
		errs = append(errs, "workspace_dir must not be empty")
	}
	if cfg.StateDir == "" {
		errs = append(errs, "state_dir must not be empty")
	}

	switch cfg.Store.Backend {
	case "sqlite":
		// sqlite derives its path from state_dir; nothing further.
	case "postgres":
		if cfg.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for the postgres backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.backend must be sqlite or postgres, got %q", cfg.Store.Backend))
	}

	if cfg.Executor.MaxParallelSubtasks < 1 {
		errs = append(errs, "executor.max_parallel_subtasks must be at least 1")
	}
	if cfg.Executor.MaxRetries < 0 {
		errs = append(errs, "executor.max_retries must not be negative")
	}
	if cfg.Executor.MaxTurnsPerSubtask < 1 {
		errs = append(errs, "executor.max_turns_per_subtask must be at least 1")
	}
	if cfg.Planner.MemoryTimeout <= 0 {
		errs = append(errs, "planner.memory_timeout must be positive")
	}
	if cfg.Orchestrator.IdleTimeout <= 0 {
		errs = append(errs, "orchestrator.idle_timeout must be positive")
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 0-65535, got %d", cfg.Server.Port))
	}
	if cfg.Slack.Enabled && cfg.Slack.Channel == "" {
		errs = append(errs, "slack.channel is required when slack is enabled")
	}
	if cfg.Retention.SnapshotRetentionDays < 1 {
		errs = append(errs, "retention.snapshot_retention_days must be at least 1")
	}
	if cfg.Retention.CleanupInterval <= 0 {
		errs = append(errs, "retention.cleanup_interval must be positive")
	}

	for name, server := range cfg.MCPServers {
		switch server.Transport {
		case "stdio":
			if server.Command == "" {
				errs = append(errs, fmt.Sprintf("mcp_servers.%s: command is required for stdio transport", name))
			}
		case "http":
			if server.URL == "" {
				errs = append(errs, fmt.Sprintf("mcp_servers.%s: url is required for http transport", name))
			}
		default:
			errs = append(errs, fmt.Sprintf("mcp_servers.%s: transport must be stdio or http, got %q", name, server.Transport))
		}
		for _, at := range server.AgentTypes {
			if !models.AgentType(at).Valid() {
				errs = append(errs, fmt.Sprintf("mcp_servers.%s: unknown agent type %q", name, at))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
