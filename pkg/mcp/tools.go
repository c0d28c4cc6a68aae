package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/openloom/loom/pkg/config"
	"github.com/openloom/loom/pkg/models"
	"github.com/openloom/loom/pkg/tool"
)

// wrap adapts one MCP tool into the agent tool interface. The exposed name
// is server_tool so wrapped tools follow the same underscore convention the
// collector and toolkit grouping key on.
func (c *Client) wrap(server string, t *mcpsdk.Tool) tool.Tool {
	name := fmt.Sprintf("%s_%s", server, t.Name)
	return &tool.Func{
		ToolName:        name,
		ToolLabel:       t.Name,
		ToolDescription: t.Description,
		ToolParameters:  convertSchema(t.InputSchema),
		Run: func(ctx context.Context, toolCallID string, params map[string]any) (*tool.Result, error) {
			result, err := c.call(ctx, server, t.Name, params)
			if err != nil {
				return nil, fmt.Errorf("mcp call %s: %w", name, err)
			}
			return convertResult(result), nil
		},
	}
}

// convertSchema reshapes the SDK's schema value into a tool.Schema. An
// unconvertible schema degrades to a bare object schema rather than
// breaking the palette.
func convertSchema(schema any) tool.Schema {
	fallback := tool.Schema{"type": "object"}
	if schema == nil {
		return fallback
	}

	data, err := json.Marshal(schema)
	if err != nil {
		slog.Debug("Failed to marshal tool input schema", "error", err)
		return fallback
	}
	var out tool.Schema
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return fallback
	}
	return out
}

// convertResult maps a CallToolResult onto tool.Result. Text content is
// carried over; other content kinds are skipped with a debug log.
func convertResult(result *mcpsdk.CallToolResult) *tool.Result {
	out := &tool.Result{IsError: result.IsError}
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			out.Content = append(out.Content, tool.Content{Type: "text", Text: tc.Text})
			continue
		}
		slog.Debug("MCP tool returned non-text content, skipping",
			"content_type", fmt.Sprintf("%T", c))
	}
	return out
}

// Palettes assembles the per-agent-type tool map from every connected
// server, honouring each server's agent_types restriction (empty list means
// all types). Servers that fail to list are skipped with a warning.
func Palettes(ctx context.Context, c *Client, servers map[string]config.MCPServerConfig) map[models.AgentType][]tool.Tool {
	palettes := make(map[models.AgentType][]tool.Tool)

	for name, cfg := range servers {
		tools, err := c.Tools(ctx, name)
		if err != nil {
			slog.Warn("Skipping MCP server for palettes", "server", name, "error", err)
			continue
		}

		types := make([]models.AgentType, 0, len(cfg.AgentTypes))
		for _, at := range cfg.AgentTypes {
			types = append(types, models.AgentType(at))
		}
		if len(types) == 0 {
			types = models.AgentTypes()
		}

		for _, at := range types {
			palettes[at] = append(palettes[at], tools...)
		}
	}
	return palettes
}
