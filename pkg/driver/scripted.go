package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/openloom/loom/pkg/models"
	"github.com/openloom/loom/pkg/tool"
)

// ErrAborted is the sticky error a scripted agent records when aborted
// mid-prompt.
var ErrAborted = errors.New("driver: prompt aborted")

// PromptFunc scripts one agent's behaviour. It is invoked once per Prompt
// with the user text; it drives turns via the ScriptedAgent helpers
// (RespondText, InvokeTool, ...) and returns when the agent is done.
type PromptFunc func(ctx context.Context, a *ScriptedAgent, prompt string) error

// ScriptedFactory builds ScriptedAgents. Used by tests and offline
// development; the daemon wires a real LLM-backed factory instead.
type ScriptedFactory struct {
	// Script selects the behaviour for each created agent. Required.
	Script func(opts Options) PromptFunc
	// CredentialsErr, when set, is returned by ValidateCredentials.
	CredentialsErr error

	mu      sync.Mutex
	created []*ScriptedAgent
}

// NewAgent implements Factory.
func (f *ScriptedFactory) NewAgent(opts Options) (Agent, error) {
	a := &ScriptedAgent{
		opts:   opts,
		script: f.Script(opts),
		subs:   make(map[int]func(Event)),
	}
	f.mu.Lock()
	f.created = append(f.created, a)
	f.mu.Unlock()
	return a, nil
}

// ValidateCredentials implements Factory.
func (f *ScriptedFactory) ValidateCredentials() error { return f.CredentialsErr }

// Created returns every agent the factory has built, in creation order.
func (f *ScriptedFactory) Created() []*ScriptedAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ScriptedAgent(nil), f.created...)
}

// ScriptedAgent is an in-memory Agent whose behaviour is a PromptFunc. It
// emits the full driver event sequence so bridges and turn guards observe
// the same stream a real driver produces.
type ScriptedAgent struct {
	opts   Options
	script PromptFunc

	mu       sync.Mutex
	subs     map[int]func(Event)
	nextSub  int
	messages []models.Message
	err      error

	abortMu   sync.Mutex
	aborted   bool
	abortFunc context.CancelFunc
}

var _ Agent = (*ScriptedAgent)(nil)

// Prompt implements Agent.
func (a *ScriptedAgent) Prompt(ctx context.Context, text string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.abortMu.Lock()
	a.aborted = false
	a.abortFunc = cancel
	a.abortMu.Unlock()

	a.appendMessage(models.UserMessage(text))
	a.publish(Event{Kind: KindAgentStart})

	scriptErr := a.script(ctx, a, text)

	a.abortMu.Lock()
	aborted := a.aborted
	a.abortFunc = nil
	a.abortMu.Unlock()

	stopReason := StopReasonDone
	switch {
	case aborted:
		stopReason = StopReasonAborted
		a.setErr(ErrAborted)
		// Synthetic error-stopped last message so consumers see a closed
		// conversation (mirrors real driver abort behaviour).
		a.appendMessage(models.AssistantText(""))
	case scriptErr != nil:
		stopReason = StopReasonError
		a.setErr(scriptErr)
	}

	a.publish(Event{Kind: KindAgentEnd, StopReason: stopReason, Messages: a.Messages()})

	if aborted {
		return ErrAborted
	}
	return scriptErr
}

// Abort implements Agent.
func (a *ScriptedAgent) Abort() {
	a.abortMu.Lock()
	defer a.abortMu.Unlock()
	a.aborted = true
	if a.abortFunc != nil {
		a.abortFunc()
	}
}

// Subscribe implements Agent.
func (a *ScriptedAgent) Subscribe(fn func(Event)) func() {
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}

// Messages implements Agent.
func (a *ScriptedAgent) Messages() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.Message(nil), a.messages...)
}

// SystemPrompt implements Agent.
func (a *ScriptedAgent) SystemPrompt() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opts.SystemPrompt
}

// SetSystemPrompt implements Agent.
func (a *ScriptedAgent) SetSystemPrompt(prompt string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts.SystemPrompt = prompt
}

// Err implements Agent.
func (a *ScriptedAgent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// ClearErr implements Agent.
func (a *ScriptedAgent) ClearErr() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = nil
}

// DropAssistantTail implements Agent.
func (a *ScriptedAgent) DropAssistantTail() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.messages); n > 0 && a.messages[n-1].Role == models.RoleAssistant {
		a.messages = a.messages[:n-1]
	}
}

// Options returns the options the agent was created with.
func (a *ScriptedAgent) Options() Options { return a.opts }

// Aborted reports whether Abort was called during the current prompt.
func (a *ScriptedAgent) Aborted() bool {
	a.abortMu.Lock()
	defer a.abortMu.Unlock()
	return a.aborted
}

// --- Script helpers ---

// RespondText runs one full turn that streams the given text and ends with
// an assistant text message.
func (a *ScriptedAgent) RespondText(text string) {
	a.RespondParts(models.ContentPart{Kind: models.ContentText, Text: text})
}

// RespondThinking runs one full turn that streams thinking followed by text.
func (a *ScriptedAgent) RespondThinking(thinking, text string) {
	a.RespondParts(
		models.ContentPart{Kind: models.ContentThinking, Text: thinking},
		models.ContentPart{Kind: models.ContentText, Text: text},
	)
}

// RespondParts runs one full turn producing an assistant message with the
// given parts, streaming text/thinking parts as message updates.
func (a *ScriptedAgent) RespondParts(parts ...models.ContentPart) {
	a.publish(Event{Kind: KindTurnStart})
	a.publish(Event{Kind: KindMessageStart})
	for _, p := range parts {
		switch p.Kind {
		case models.ContentText:
			a.publish(Event{Kind: KindMessageUpdate, Delta: p.Text})
		case models.ContentThinking:
			a.publish(Event{Kind: KindMessageUpdate, Delta: p.Text, Thinking: true})
		}
	}
	msg := models.Message{Role: models.RoleAssistant, Content: parts}
	a.appendMessage(msg)
	a.publish(Event{Kind: KindMessageEnd, Message: &msg})
	a.publish(Event{Kind: KindTurnEnd})
}

// InvokeTool runs one full turn in which the model calls the named tool with
// the given arguments. The tool is looked up in the agent's tool set and
// actually executed; the result is appended as a toolResult message.
func (a *ScriptedAgent) InvokeTool(ctx context.Context, name string, args map[string]any) (*tool.Result, error) {
	return a.InvokeToolWithThinking(ctx, "", name, args)
}

// InvokeToolWithThinking runs one full turn that streams the given thinking
// text and then calls the named tool, matching a real driver's
// thinking-before-tool stream shape.
func (a *ScriptedAgent) InvokeToolWithThinking(ctx context.Context, thinking, name string, args map[string]any) (*tool.Result, error) {
	var target tool.Tool
	for _, t := range a.opts.Tools {
		if t.Name() == name {
			target = t
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("scripted agent: tool %q not in tool set", name)
	}

	argJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("scripted agent: marshal args: %w", err)
	}
	call := &models.ToolCall{ID: uuid.NewString(), Name: name, Arguments: argJSON}

	a.publish(Event{Kind: KindTurnStart})
	a.publish(Event{Kind: KindMessageStart})
	var parts []models.ContentPart
	if thinking != "" {
		a.publish(Event{Kind: KindMessageUpdate, Delta: thinking, Thinking: true})
		parts = append(parts, models.ContentPart{Kind: models.ContentThinking, Text: thinking})
	}
	parts = append(parts, models.ContentPart{Kind: models.ContentToolCall, ToolCall: call})
	msg := models.Message{Role: models.RoleAssistant, Content: parts}
	a.appendMessage(msg)
	a.publish(Event{Kind: KindMessageEnd, Message: &msg})

	a.publish(Event{Kind: KindToolExecutionStart, ToolCall: call})
	result, execErr := target.Execute(ctx, call.ID, args)
	if execErr != nil {
		result = tool.ErrorResult(execErr.Error())
	}
	a.publish(Event{Kind: KindToolExecutionEnd, ToolCall: call, Result: result})

	resultMsg := models.Message{
		Role:       models.RoleToolResult,
		ToolCallID: call.ID,
		IsError:    result.IsError,
	}
	for _, c := range result.Content {
		resultMsg.Content = append(resultMsg.Content, models.ContentPart{Kind: models.ContentText, Text: c.Text})
	}
	a.appendMessage(resultMsg)
	a.publish(Event{Kind: KindTurnEnd})

	return result, execErr
}

func (a *ScriptedAgent) appendMessage(m models.Message) {
	a.mu.Lock()
	a.messages = append(a.messages, m)
	a.mu.Unlock()
}

func (a *ScriptedAgent) setErr(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

func (a *ScriptedAgent) publish(ev Event) {
	a.mu.Lock()
	fns := make([]func(Event), 0, len(a.subs))
	for _, fn := range a.subs {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
