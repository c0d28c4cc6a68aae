// Package driver defines the agent driver interface the core consumes. The
// driver owns LLM token streaming and tool invocation; the core only sees the
// turn-level event stream and the final message log.
//
// Turn model: turn_start → message_start → message_update* → message_end →
// (tool_execution_start → tool_execution_update* → tool_execution_end)? →
// turn_end, and finally agent_end carrying the final message list.
package driver

import (
	"context"

	"github.com/openloom/loom/pkg/models"
	"github.com/openloom/loom/pkg/tool"
)

// EventKind identifies a driver event.
type EventKind string

const (
	KindAgentStart          EventKind = "agent_start"
	KindTurnStart           EventKind = "turn_start"
	KindMessageStart        EventKind = "message_start"
	KindMessageUpdate       EventKind = "message_update"
	KindMessageEnd          EventKind = "message_end"
	KindToolExecutionStart  EventKind = "tool_execution_start"
	KindToolExecutionUpdate EventKind = "tool_execution_update"
	KindToolExecutionEnd    EventKind = "tool_execution_end"
	KindTurnEnd             EventKind = "turn_end"
	KindAgentEnd            EventKind = "agent_end"
)

// Stop reasons reported on agent_end.
const (
	StopReasonDone    = "done"
	StopReasonError   = "error"
	StopReasonAborted = "aborted"
)

// Event is one driver event. Field presence depends on Kind:
//
//	message_update       — Delta (+ Thinking flag for thinking deltas)
//	message_end          — Message
//	tool_execution_start — ToolCall
//	tool_execution_end   — ToolCall, Result
//	agent_end            — StopReason, Messages (final conversation log)
type Event struct {
	Kind       EventKind
	Delta      string
	Thinking   bool
	Message    *models.Message
	ToolCall   *models.ToolCall
	Result     *tool.Result
	StopReason string
	Messages   []models.Message
}

// Agent is a single live conversation with tools. Instances are created per
// prompt-driving component (orchestrator turn, planner call, subtask attempt)
// and are not shared.
type Agent interface {
	// Prompt appends a user message and drives the conversation to
	// completion (the driver loops turns internally until the model stops
	// requesting tools). Blocking; honours ctx cancellation and Abort.
	Prompt(ctx context.Context, text string) error

	// Abort cancels the in-flight prompt. The driver still emits agent_end
	// (with a synthetic error-stopped last message) so bridges can close
	// UI state cleanly.
	Abort()

	// Subscribe registers a callback for driver events. Callbacks are
	// invoked sequentially in emission order. The returned function
	// unsubscribes.
	Subscribe(fn func(Event)) (unsubscribe func())

	// Messages returns the conversation log (shape per pkg/models).
	Messages() []models.Message

	// SystemPrompt / SetSystemPrompt access the system prompt; the
	// orchestrator re-renders it every iteration.
	SystemPrompt() string
	SetSystemPrompt(prompt string)

	// Err returns the driver's sticky error state, if any.
	Err() error

	// ClearErr resets the sticky error. Used after an intentional abort
	// (delegation) so the next turn starts clean.
	ClearErr()

	// DropAssistantTail removes the trailing assistant message if present.
	// Used to expunge the aborted partial turn after a delegation.
	DropAssistantTail()
}

// Options configure a new agent instance.
type Options struct {
	SystemPrompt string
	Tools        []tool.Tool
	// DisableThinking turns extended thinking off (planner decomposition
	// calls run with thinking off).
	DisableThinking bool
	// Label scopes the agent's bridged events, e.g. "#3" for subtask 3.
	Label string
}

// Factory creates agent instances. Owned outside the core; the daemon wires
// a concrete LLM-backed implementation, tests use the scripted one.
type Factory interface {
	NewAgent(opts Options) (Agent, error)

	// ValidateCredentials reports whether the underlying provider is
	// usable (API key present, endpoint reachable enough to try).
	ValidateCredentials() error
}
