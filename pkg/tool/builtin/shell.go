// Package builtin implements the local tools of the orchestrator palette:
// shell execution, web search, human questions, and reply attachments.
// External toolkits come from pkg/mcp; the orchestration meta-tools live in
// pkg/orchestrator next to the state they mutate.
package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/openloom/loom/pkg/tool"
)

// DefaultShellTimeout bounds one shell_exec call unless the model asks for
// less.
const DefaultShellTimeout = 2 * time.Minute

// maxShellOutput caps captured output; the rest is dropped with a marker.
const maxShellOutput = 50_000

// ShellExec returns the shell_exec tool. Commands run under the given
// workspace directory with a bounded timeout and capped output.
func ShellExec(workspace string) tool.Tool {
	return &tool.Func{
		ToolName:        "shell_exec",
		ToolLabel:       "Run shell command",
		ToolDescription: "Execute a shell command in the session workspace. Output is truncated after 50000 bytes.",
		ToolParameters: tool.ObjectSchema(map[string]any{
			"command": map[string]any{"type": "string"},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Optional timeout in seconds (default 120).",
			},
		}, "command"),
		Run: func(ctx context.Context, toolCallID string, params map[string]any) (*tool.Result, error) {
			command := tool.StringParam(params, "command")
			if command == "" {
				return tool.ErrorResult("command is required"), nil
			}

			timeout := DefaultShellTimeout
			if secs, ok := params["timeout_seconds"].(float64); ok && secs > 0 {
				timeout = time.Duration(secs) * time.Second
			}
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(runCtx, "bash", "-c", command)
			cmd.Dir = workspace

			var buf bytes.Buffer
			cmd.Stdout = &buf
			cmd.Stderr = &buf

			err := cmd.Run()
			output := truncateOutput(buf.String())

			switch {
			case errors.Is(runCtx.Err(), context.DeadlineExceeded):
				return tool.ErrorResult(fmt.Sprintf("command timed out after %s\n%s", timeout, output)), nil
			case err != nil:
				return tool.ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, output)), nil
			case output == "":
				return tool.TextResult("(no output)"), nil
			default:
				return tool.TextResult(output), nil
			}
		},
	}
}

func truncateOutput(s string) string {
	if len(s) <= maxShellOutput {
		return s
	}
	return s[:maxShellOutput] + "\n... (output truncated)"
}
