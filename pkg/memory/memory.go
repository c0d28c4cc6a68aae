// Package memory defines the cloud memory service interface the core
// consumes, plus an HTTP client implementation. A nil/absent service is
// always tolerated: memory failures degrade to planning without context.
package memory

import "context"

// Step sources in a memory plan.
const (
	SourcePhrase = "phrase"
	SourceGraph  = "graph"
	SourceNone   = "none"
)

// PlanStep is one step of a prior-workflow plan returned by the service.
type PlanStep struct {
	Index         int    `json:"index"`
	Content       string `json:"content"`
	Source        string `json:"source"`
	PhraseID      string `json:"phrase_id,omitempty"`
	WorkflowGuide string `json:"workflow_guide,omitempty"`
}

// Plan is the memory_plan portion of a PlanTask response.
type Plan struct {
	Steps       []PlanStep `json:"steps"`
	Preferences []string   `json:"preferences"`
	Coverage    float64    `json:"coverage"`
}

// PlanResult is the full PlanTask response.
type PlanResult struct {
	MemoryPlan Plan `json:"memory_plan"`
}

// Operation is one recorded behaviour operation uploaded via Add.
type Operation struct {
	Action  string         `json:"action"`
	Target  string         `json:"target,omitempty"`
	Value   string         `json:"value,omitempty"`
	URL     string         `json:"url,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ExecutionRecord is one learning tuple extracted from a completed agent
// conversation (see pkg/collector).
type ExecutionRecord struct {
	Thinking      string `json:"thinking"`
	ToolName      string `json:"tool_name"`
	InputSummary  string `json:"input_summary"`
	Success       bool   `json:"success"`
	ResultSummary string `json:"result_summary"`
	Judgment      string `json:"judgment"`
	CurrentURL    string `json:"current_url"`
}

// Service is the cloud memory API surface the core consumes.
type Service interface {
	// PlanTask asks the service for prior-workflow steps matching the task
	// text. Failures (including timeout) are non-fatal to callers.
	PlanTask(ctx context.Context, task string) (*PlanResult, error)

	// Add uploads recorded behaviour operations for a session.
	Add(ctx context.Context, sessionID string, ops []Operation) error

	// Learn uploads execution data tuples for workflow learning.
	Learn(ctx context.Context, taskID string, records []ExecutionRecord) error
}
