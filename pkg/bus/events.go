// Package bus implements the bounded event queue that carries typed progress
// events from the orchestration core to the HTTP adapter.
//
// One logical producer per task (the core — emits may come from multiple
// goroutines), one consumer (the SSE/WebSocket handler). Overflow drops the
// oldest queued event; a waiting consumer receives a direct hand-off that
// bypasses the queue entirely.
package bus

import (
	"encoding/json"
	"time"
)

// Event actions. Exhaustive for the core — the HTTP adapter forwards them
// verbatim as the SSE "step" field.
const (
	// Task lifecycle
	ActionTaskStarted   = "task_started"
	ActionTaskCompleted = "task_completed"
	ActionTaskFailed    = "task_failed"
	ActionTaskCancelled = "task_cancelled"
	ActionEnd           = "end"

	// Planning
	ActionPlanStarted        = "plan_started"
	ActionDecomposeProgress  = "decompose_progress"
	ActionTaskDecomposed     = "task_decomposed"
	ActionTaskReplanned      = "task_replanned"
	ActionStreamingDecompose = "streaming_decompose"
	ActionMemoryLevel        = "memory_level"
	ActionMemoryResult       = "memory_result"

	// Workforce
	ActionWorkforceStarted   = "workforce_started"
	ActionWorkforceCompleted = "workforce_completed"
	ActionWorkforceStopped   = "workforce_stopped"
	ActionWorkerAssigned     = "worker_assigned"
	ActionWorkerStarted      = "worker_started"
	ActionWorkerCompleted    = "worker_completed"
	ActionWorkerFailed       = "worker_failed"
	ActionAssignTask         = "assign_task"
	ActionDynamicTasksAdded  = "dynamic_tasks_added"

	// Subtask
	ActionSubtaskState = "subtask_state"

	// Agent
	ActionActivateAgent   = "activate_agent"
	ActionDeactivateAgent = "deactivate_agent"
	ActionAgentThinking   = "agent_thinking"
	ActionAgentReport     = "agent_report"

	// Tool
	ActionActivateToolkit   = "activate_toolkit"
	ActionDeactivateToolkit = "deactivate_toolkit"
	ActionTerminal          = "terminal"
	ActionBrowserAction     = "browser_action"
	ActionScreenshot        = "screenshot"
	ActionWriteFile         = "write_file"

	// User interaction
	ActionWaitConfirm   = "wait_confirm"
	ActionConfirmed     = "confirmed"
	ActionAsk           = "ask"
	ActionNotice        = "notice"
	ActionHumanResponse = "human_response"

	// System
	ActionHeartbeat = "heartbeat"
	ActionError     = "error"
	ActionConnected = "connected"
)

// Terminal reports whether an action closes the event stream after delivery.
func Terminal(action string) bool {
	return action == ActionEnd
}

// Event is one typed progress event. Action is mandatory; TaskID and
// Timestamp are stamped on emission when absent. Per-variant fields live in
// Data and are flattened into the serialised object alongside the fixed keys.
type Event struct {
	Action    string
	TaskID    string
	Timestamp string
	Data      map[string]any
}

// New builds an event with the given action and variant fields. Keys in kv
// alternate name, value; an odd trailing key is ignored.
func New(action string, kv ...any) *Event {
	ev := &Event{Action: action}
	if len(kv) > 0 {
		ev.Data = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				continue
			}
			ev.Data[key] = kv[i+1]
		}
	}
	return ev
}

// stamp fills TaskID and Timestamp if they are empty.
func (e *Event) stamp(taskID string, now time.Time) {
	if e.TaskID == "" {
		e.TaskID = taskID
	}
	if e.Timestamp == "" {
		e.Timestamp = now.Format(time.RFC3339Nano)
	}
}

// MarshalJSON flattens the event into a single object:
// {"action": ..., "task_id": ..., "timestamp": ..., <variant fields>}.
func (e *Event) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e.Data)+3)
	for k, v := range e.Data {
		obj[k] = v
	}
	obj["action"] = e.Action
	if e.TaskID != "" {
		obj["task_id"] = e.TaskID
	}
	if e.Timestamp != "" {
		obj["timestamp"] = e.Timestamp
	}
	return json.Marshal(obj)
}

// Get returns a variant field by key.
func (e *Event) Get(key string) (any, bool) {
	v, ok := e.Data[key]
	return v, ok
}

// GetString returns a variant field as a string ("" if absent or non-string).
func (e *Event) GetString(key string) string {
	s, _ := e.Data[key].(string)
	return s
}
