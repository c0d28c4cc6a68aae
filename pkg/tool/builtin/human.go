package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openloom/loom/pkg/bus"
	"github.com/openloom/loom/pkg/tool"
)

// HumanGateway is the session surface ask_human blocks on.
type HumanGateway interface {
	AwaitHuman(ctx context.Context) (string, error)
}

// AttachmentSink records files for the session's next reply.
type AttachmentSink interface {
	AddAttachment(path string)
}

// AskHuman returns the ask_human tool: it emits an ask event on the bus and
// blocks until the user answers (or the turn is aborted).
func AskHuman(gw HumanGateway, b *bus.Bus) tool.Tool {
	return &tool.Func{
		ToolName:        "ask_human",
		ToolLabel:       "Ask the user",
		ToolDescription: "Ask the user a clarifying question and wait for their answer. Use sparingly; prefer acting on reasonable assumptions.",
		ToolParameters: tool.ObjectSchema(map[string]any{
			"question": map[string]any{"type": "string"},
		}, "question"),
		Run: func(ctx context.Context, toolCallID string, params map[string]any) (*tool.Result, error) {
			question := tool.StringParam(params, "question")
			if question == "" {
				return tool.ErrorResult("question is required"), nil
			}

			b.Emit(bus.New(bus.ActionAsk, "question", question))
			answer, err := gw.AwaitHuman(ctx)
			if err != nil {
				return nil, fmt.Errorf("waiting for human response: %w", err)
			}
			return tool.TextResult(answer), nil
		},
	}
}

// AttachFile returns the attach_file tool: it records a workspace file to
// be delivered with the session's next reply.
func AttachFile(sink AttachmentSink, workspace string) tool.Tool {
	return &tool.Func{
		ToolName:        "attach_file",
		ToolLabel:       "Attach file",
		ToolDescription: "Attach a file from the workspace to your reply so the user can download it.",
		ToolParameters: tool.ObjectSchema(map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path relative to the workspace, or absolute within it.",
			},
		}, "path"),
		Run: func(ctx context.Context, toolCallID string, params map[string]any) (*tool.Result, error) {
			path := tool.StringParam(params, "path")
			if path == "" {
				return tool.ErrorResult("path is required"), nil
			}
			if !filepath.IsAbs(path) {
				path = filepath.Join(workspace, path)
			}

			rel, err := filepath.Rel(workspace, path)
			if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
				return tool.ErrorResult("path is outside the workspace"), nil
			}
			if _, err := os.Stat(path); err != nil {
				return tool.ErrorResult(fmt.Sprintf("file not found: %v", err)), nil
			}

			sink.AddAttachment(path)
			return tool.TextResult("Attached " + path), nil
		},
	}
}
