// Package mcp connects the daemon to configured MCP (Model Context
// Protocol) servers and exposes their tools through the pkg/tool interface,
// assembled into per-agent-type palettes.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/openloom/loom/pkg/config"
	"github.com/openloom/loom/pkg/tool"
	"github.com/openloom/loom/pkg/version"
)

// initTimeout bounds one server connection handshake.
const initTimeout = 30 * time.Second

// callTimeout bounds one tool call round-trip.
const callTimeout = 120 * time.Second

// TransportFactory builds the SDK transport for one server entry. Tests
// override it to connect in-memory servers.
type TransportFactory func(cfg config.MCPServerConfig) (mcpsdk.Transport, error)

// Option configures a Client.
type Option func(*Client)

// WithTransportFactory overrides transport creation (tests only).
func WithTransportFactory(f TransportFactory) Option {
	return func(c *Client) { c.transport = f }
}

// Client manages one MCP session per configured server. Thread-safe:
// sessions are shared by all concurrently running agents.
type Client struct {
	servers   map[string]config.MCPServerConfig
	transport TransportFactory
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
	failed   map[string]string
}

// NewClient creates a Client over the configured servers. Call Connect
// before requesting tools.
func NewClient(servers map[string]config.MCPServerConfig, opts ...Option) *Client {
	c := &Client{
		servers:   servers,
		transport: createTransport,
		log:       slog.With("component", "mcp"),
		sessions:  make(map[string]*mcpsdk.ClientSession),
		failed:    make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect dials every configured server. Failures are recorded rather than
// fatal; a daemon with a dead toolkit still serves the rest.
func (c *Client) Connect(ctx context.Context) {
	for name := range c.servers {
		if err := c.connectServer(ctx, name); err != nil {
			c.mu.Lock()
			c.failed[name] = err.Error()
			c.mu.Unlock()
			c.log.Warn("MCP server failed to connect", "server", name, "error", err)
		}
	}
}

// connectServer dials one server. No-op when already connected.
func (c *Client) connectServer(ctx context.Context, name string) error {
	c.mu.Lock()
	_, connected := c.sessions[name]
	c.mu.Unlock()
	if connected {
		return nil
	}

	cfg, ok := c.servers[name]
	if !ok {
		return fmt.Errorf("server %q is not configured", name)
	}

	transport, err := c.transport(cfg)
	if err != nil {
		return fmt.Errorf("failed to create transport for %q: %w", name, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		// Close the transport if it holds resources (stdio child process).
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("failed to connect to %q: %w", name, err)
	}

	c.mu.Lock()
	c.sessions[name] = session
	delete(c.failed, name)
	c.mu.Unlock()

	c.log.Info("MCP server connected", "server", name)
	return nil
}

// FailedServers returns the servers that did not connect, with reasons.
func (c *Client) FailedServers() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.failed))
	for k, v := range c.failed {
		out[k] = v
	}
	return out
}

func (c *Client) session(name string) (*mcpsdk.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[name]
	if !ok {
		return nil, fmt.Errorf("no session for server %q", name)
	}
	return session, nil
}

// Tools lists one server's tools, each wrapped as a tool.Tool whose Execute
// round-trips through the MCP session. Names are prefixed "server_tool" so
// palettes from multiple servers never collide.
func (c *Client) Tools(ctx context.Context, server string) ([]tool.Tool, error) {
	session, err := c.session(server)
	if err != nil {
		return nil, err
	}

	listCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	result, err := session.ListTools(listCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", server, err)
	}

	tools := make([]tool.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, c.wrap(server, t))
	}
	return tools, nil
}

// call executes one tool call with a bounded context.
func (c *Client) call(ctx context.Context, server, name string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	session, err := c.session(server)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return session.CallTool(callCtx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
}

// Close shuts every session down. Returns the first error.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for name, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close session %q: %w", name, err)
		}
		delete(c.sessions, name)
	}
	return firstErr
}
