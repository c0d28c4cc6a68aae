// loomd is the local orchestration daemon: it exposes the HTTP/SSE API,
// maps conversations to orchestrator sessions, and runs background task
// executors against the configured LLM driver and MCP toolkits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openloom/loom/pkg/api"
	"github.com/openloom/loom/pkg/cleanup"
	"github.com/openloom/loom/pkg/config"
	"github.com/openloom/loom/pkg/driver"
	"github.com/openloom/loom/pkg/mcp"
	"github.com/openloom/loom/pkg/memory"
	"github.com/openloom/loom/pkg/orchestrator"
	"github.com/openloom/loom/pkg/session"
	"github.com/openloom/loom/pkg/slack"
	"github.com/openloom/loom/pkg/store"
	"github.com/openloom/loom/pkg/store/postgres"
	"github.com/openloom/loom/pkg/store/sqlite"
	"github.com/openloom/loom/pkg/tool"
	"github.com/openloom/loom/pkg/tool/builtin"
	"github.com/openloom/loom/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".loom")
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("LOOM_CONFIG_DIR", defaultConfigDir()),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory before anything reads the
	// environment.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file loaded", "path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting loomd", "version", version.Full(), "config_dir", *configDir)

	if err := run(*configDir); err != nil {
		slog.Error("loomd failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

func run(configDir string) error {
	ctx := context.Background()

	// 1. Configuration.
	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}
	for _, dir := range []string{cfg.WorkspaceDir, cfg.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	// 2. Snapshot store.
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing snapshot store", "error", err)
		}
	}()
	slog.Info("Snapshot store ready", "backend", cfg.Store.Backend)

	retention := cleanup.NewService(cfg.Retention, st)
	retention.Start(ctx)
	defer retention.Stop()

	// 3. LLM driver factory. Concrete drivers register themselves in
	// pkg/driver from an init function and are linked in with a blank
	// import, like database/sql drivers.
	factory, err := driver.NewFactory(cfg.LLM.Provider, driver.ProviderConfig{
		Model:   cfg.LLM.Model,
		APIKey:  os.Getenv(cfg.LLM.APIKeyEnv),
		BaseURL: cfg.LLM.BaseURL,
	})
	if err != nil {
		return err
	}
	if err := factory.ValidateCredentials(); err != nil {
		return fmt.Errorf("LLM credentials check failed (set %s): %w", cfg.LLM.APIKeyEnv, err)
	}
	slog.Info("LLM driver ready", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)

	// 4. Cloud memory (optional).
	var mem memory.Service
	if cfg.Memory.BaseURL != "" {
		mem = memory.NewClient(cfg.Memory.BaseURL, os.Getenv(cfg.Memory.APIKeyEnv))
		slog.Info("Cloud memory enabled", "base_url", cfg.Memory.BaseURL)
	}

	// 5. MCP toolkits. Connect is fail-open; unreachable servers are
	// reported and their tools skipped.
	mcpClient := mcp.NewClient(cfg.MCPServers)
	mcpClient.Connect(ctx)
	defer func() {
		if err := mcpClient.Close(); err != nil {
			slog.Error("Error closing MCP client", "error", err)
		}
	}()
	if failed := mcpClient.FailedServers(); len(failed) > 0 {
		slog.Warn("Some MCP servers are unavailable", "failed_servers", failed)
	}
	palettes := mcp.Palettes(ctx, mcpClient, cfg.MCPServers)

	// 6. Slack notifications (optional).
	var notifier *slack.Notifier
	if cfg.Slack.Enabled {
		svc := slack.NewService(slack.ServiceConfig{
			Token:   os.Getenv(cfg.Slack.TokenEnv),
			Channel: cfg.Slack.Channel,
		})
		if svc == nil {
			slog.Warn("Slack notifications enabled but token or channel missing",
				"token_env", cfg.Slack.TokenEnv)
		} else {
			slog.Info("Slack notifications enabled", "channel", cfg.Slack.Channel)
		}
		notifier = slack.NewNotifier(svc)
	}

	// 7. Session manager over the orchestrator core.
	sessions := session.NewManager(orchestrator.Config{
		Factory:   factory,
		Store:     st,
		Memory:    mem,
		Workspace: cfg.WorkspaceDir,
		Platform:  runtime.GOOS,
		BaseTools: []tool.Tool{
			builtin.ShellExec(cfg.WorkspaceDir),
			builtin.WebSearch(builtin.SearchConfig{
				BaseURL: cfg.Search.BaseURL,
				APIKey:  os.Getenv(cfg.Search.APIKeyEnv),
			}),
		},
		ExecutorTools: palettes,
		MemoryTimeout: cfg.Planner.MemoryTimeout,
		MaxRetries:    cfg.Executor.MaxRetries,
		MaxTurns:      cfg.Executor.MaxTurnsPerSubtask,
		MaxParallel:   cfg.Executor.MaxParallelSubtasks,
		IdleTimeout:   cfg.Orchestrator.IdleTimeout,
	}, session.WithObserver(notifier.Observe))

	// 8. HTTP server. Port 0 binds an ephemeral port; the port file tells
	// the UI where to connect.
	server := api.NewServer(cfg, sessions, st)
	if err := server.Start(); err != nil {
		return err
	}
	if err := os.WriteFile(cfg.PortFilePath(), []byte(strconv.Itoa(server.Port())), 0o644); err != nil {
		return fmt.Errorf("failed to write port file: %w", err)
	}
	defer os.Remove(cfg.PortFilePath())

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", server.Addr())
		if err := server.Serve(); err != nil {
			errCh <- err
		}
	}()

	// 9. Wait for a shutdown signal or a server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: sessions and their executors first, then HTTP.
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Session shutdown incomplete", "error", err)
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	return nil
}

// openStore opens the configured snapshot store backend.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return sqlite.Open(ctx, cfg.SQLitePath())
	case "postgres":
		return postgres.Open(ctx, postgres.Config{DSN: cfg.Store.DSN})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
