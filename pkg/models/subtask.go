// Package models defines the shared data types of the orchestration core:
// subtasks, tasks, agent conversation messages, and persisted snapshots.
package models

// AgentType selects the tool palette and system prompt for a subtask.
// Closed enum — adding a type requires extending the planner's inference
// rule as well.
type AgentType string

const (
	AgentTypeBrowser    AgentType = "browser"
	AgentTypeDocument   AgentType = "document"
	AgentTypeCode       AgentType = "code"
	AgentTypeMultiModal AgentType = "multi_modal"
)

// AgentTypes lists all agent types in enumeration order. The order matters:
// the planner's keyword inference resolves score ties by this order.
func AgentTypes() []AgentType {
	return []AgentType{AgentTypeBrowser, AgentTypeDocument, AgentTypeCode, AgentTypeMultiModal}
}

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeBrowser, AgentTypeDocument, AgentTypeCode, AgentTypeMultiModal:
		return true
	}
	return false
}

// SubtaskState is the lifecycle state of a subtask.
// Transitions: PENDING → RUNNING → (DONE | FAILED). FAILED may additionally
// be reached directly from PENDING for dependency failures, dangling
// dependencies, cancellation, and deadlock promotion.
type SubtaskState string

const (
	SubtaskPending SubtaskState = "PENDING"
	SubtaskRunning SubtaskState = "RUNNING"
	SubtaskDone    SubtaskState = "DONE"
	SubtaskFailed  SubtaskState = "FAILED"
)

// MemoryLevel classifies how much prior workflow knowledge backed a subtask.
type MemoryLevel string

const (
	// MemoryLevelL1 — the memory service returned at least one step sourced
	// from an exact phrase match.
	MemoryLevelL1 MemoryLevel = "L1"
	// MemoryLevelL2 — partial guidance (steps without a phrase match).
	MemoryLevelL2 MemoryLevel = "L2"
	// MemoryLevelL3 — no memory match.
	MemoryLevelL3 MemoryLevel = "L3"
)

// Subtask is an atomic, self-contained unit of agent work.
type Subtask struct {
	ID            string       `json:"id"`
	Content       string       `json:"content"`
	AgentType     AgentType    `json:"agent_type"`
	DependsOn     []string     `json:"depends_on"`
	WorkflowGuide string       `json:"workflow_guide,omitempty"`
	MemoryLevel   MemoryLevel  `json:"memory_level"`
	State         SubtaskState `json:"state"`
	Result        string       `json:"result,omitempty"`
	Error         string       `json:"error,omitempty"`
	RetryCount    int          `json:"retry_count"`
}

// Clone returns a deep copy of the subtask.
func (s *Subtask) Clone() *Subtask {
	c := *s
	c.DependsOn = append([]string(nil), s.DependsOn...)
	return &c
}

// Terminal reports whether the subtask reached a terminal state.
func (s *Subtask) Terminal() bool {
	return s.State == SubtaskDone || s.State == SubtaskFailed
}
