// Package bridge translates agent driver events into bus events.
//
// Streaming text and thinking deltas are NOT forwarded per-token: they are
// buffered within a turn and flushed exactly once at a well-defined boundary
// — immediately before the first tool call of the turn, or at agent end when
// no tool call followed. This decouples UI event volume from LLM streaming
// cadence and preserves "thinking before tool" semantics.
package bridge

import (
	"strings"
	"sync"
	"time"

	"github.com/openloom/loom/pkg/bus"
	"github.com/openloom/loom/pkg/driver"
)

// outputPreviewLimit caps the tool output preview carried by
// deactivate_toolkit events.
const outputPreviewLimit = 200

// dedupWindow is the interval within which structurally identical
// agent_thinking / agent_report payloads are dropped. Heuristic, not a
// contract — tests must not rely on it.
const dedupWindow = 3 * time.Second

// Options configure a bridge attachment.
type Options struct {
	// Label scopes the agent's events, e.g. "#3" for subtask 3. Empty for
	// the orchestrator's own agent.
	Label string
	// AgentType is carried on activate/deactivate_agent events.
	AgentType string
}

// Bridge buffers one agent's stream and emits bus events. One bridge per
// agent instance; driver callbacks arrive sequentially so internal state
// needs no locking beyond the dedup map (shared with nothing, but Abort may
// race the final flush on some drivers).
type Bridge struct {
	bus  *bus.Bus
	opts Options

	mu       sync.Mutex
	buf      strings.Builder
	flushed  bool
	lastSeen map[string]time.Time
	now      func() time.Time
}

// Attach subscribes a bridge to the agent and returns a detach function.
func Attach(a driver.Agent, b *bus.Bus, opts Options) func() {
	br := &Bridge{
		bus:      b,
		opts:     opts,
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
	return a.Subscribe(br.handle)
}

func (br *Bridge) handle(ev driver.Event) {
	br.mu.Lock()
	defer br.mu.Unlock()

	switch ev.Kind {
	case driver.KindAgentStart:
		br.emit(bus.New(bus.ActionActivateAgent,
			"agent_name", br.agentName(),
			"agent_type", br.opts.AgentType))

	case driver.KindTurnStart:
		br.buf.Reset()
		br.flushed = false

	case driver.KindMessageUpdate:
		br.buf.WriteString(ev.Delta)

	case driver.KindToolExecutionStart:
		br.flushOnce(true)
		if ev.ToolCall != nil {
			br.emit(bus.New(bus.ActionActivateToolkit,
				"toolkit_name", ToolkitName(ev.ToolCall.Name),
				"tool_name", ev.ToolCall.Name,
				"agent_name", br.agentName()))
		}

	case driver.KindToolExecutionEnd:
		if ev.ToolCall == nil {
			return
		}
		success := true
		preview := ""
		if ev.Result != nil {
			success = !ev.Result.IsError
			preview = truncate(ev.Result.Text(), outputPreviewLimit)
		}
		br.emit(bus.New(bus.ActionDeactivateToolkit,
			"toolkit_name", ToolkitName(ev.ToolCall.Name),
			"tool_name", ev.ToolCall.Name,
			"success", success,
			"output_preview", preview,
			"agent_name", br.agentName()))

	case driver.KindAgentEnd:
		br.flushOnce(false)
		br.emit(bus.New(bus.ActionDeactivateAgent,
			"agent_name", br.agentName(),
			"agent_type", br.opts.AgentType))
		if ev.StopReason == driver.StopReasonError {
			br.emit(bus.New(bus.ActionError,
				"message", "agent stopped with an internal error",
				"recoverable", false))
		}
	}
}

// flushOnce emits the buffered turn text as agent_thinking (plus an
// agent_report when the flush precedes a tool call). At most one flush per
// turn; the flag resets on turn_start.
func (br *Bridge) flushOnce(beforeTool bool) {
	if br.flushed || br.buf.Len() == 0 {
		return
	}
	br.flushed = true
	content := br.buf.String()

	br.emitDeduped(bus.New(bus.ActionAgentThinking,
		"content", content,
		"agent_name", br.agentName()))
	if beforeTool {
		br.emitDeduped(bus.New(bus.ActionAgentReport,
			"report_type", "thinking",
			"content", content,
			"agent_name", br.agentName()))
	}
}

// emitDeduped drops events whose (action, content) pair was emitted within
// the dedup window.
func (br *Bridge) emitDeduped(ev *bus.Event) {
	key := ev.Action + "\x00" + ev.GetString("content")
	now := br.now()
	if last, ok := br.lastSeen[key]; ok && now.Sub(last) < dedupWindow {
		return
	}
	br.lastSeen[key] = now
	br.emit(ev)
}

func (br *Bridge) emit(ev *bus.Event) {
	br.bus.Emit(ev)
}

func (br *Bridge) agentName() string {
	if br.opts.Label != "" {
		return br.opts.Label
	}
	return br.opts.AgentType
}

// ToolkitName derives the toolkit label from a tool name: the capitalised
// first underscore-prefix ("browser_visit_page" → "Browser").
func ToolkitName(toolName string) string {
	prefix, _, _ := strings.Cut(toolName, "_")
	if prefix == "" {
		return ""
	}
	return strings.ToUpper(prefix[:1]) + prefix[1:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
