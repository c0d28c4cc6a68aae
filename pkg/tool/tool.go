// Package tool defines the tool interface consumed by agents, plus a closure
// adapter for defining tools inline. Concrete palettes come from pkg/mcp
// (external toolkits) and pkg/tool/builtin (local tools); the orchestration
// meta-tools are defined where their state lives.
package tool

import "context"

// Schema is a JSON Schema fragment describing a tool's parameters.
type Schema map[string]any

// ObjectSchema builds an object schema with the given properties and
// required keys. Small convenience for inline tool definitions.
func ObjectSchema(properties map[string]any, required ...string) Schema {
	s := Schema{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// Content is one content element of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is the outcome of a tool execution. IsError marks tool-level
// failures that the model should see (as opposed to infrastructure errors
// returned from Execute).
type Result struct {
	Content []Content      `json:"content"`
	Details map[string]any `json:"details,omitempty"`
	IsError bool           `json:"isError,omitempty"`
}

// Text concatenates the text parts of the result.
func (r *Result) Text() string {
	var out string
	for _, c := range r.Content {
		out += c.Text
	}
	return out
}

// TextResult builds a single-text success result.
func TextResult(text string) *Result {
	return &Result{Content: []Content{{Type: "text", Text: text}}}
}

// ErrorResult builds a single-text result flagged as a tool-level error.
func ErrorResult(text string) *Result {
	return &Result{Content: []Content{{Type: "text", Text: text}}, IsError: true}
}

// Tool is a capability an agent may invoke. Execute must honour ctx
// cancellation: an aborted driver cancels the per-call context.
type Tool interface {
	Name() string
	Label() string
	Description() string
	Parameters() Schema
	Execute(ctx context.Context, toolCallID string, params map[string]any) (*Result, error)
}

// Func adapts a closure into a Tool.
type Func struct {
	ToolName        string
	ToolLabel       string
	ToolDescription string
	ToolParameters  Schema
	Run             func(ctx context.Context, toolCallID string, params map[string]any) (*Result, error)
}

func (f *Func) Name() string        { return f.ToolName }
func (f *Func) Label() string       { return f.ToolLabel }
func (f *Func) Description() string { return f.ToolDescription }
func (f *Func) Parameters() Schema  { return f.ToolParameters }

func (f *Func) Execute(ctx context.Context, toolCallID string, params map[string]any) (*Result, error) {
	return f.Run(ctx, toolCallID, params)
}

// StringParam extracts a string parameter ("" if absent or wrong type).
func StringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}
