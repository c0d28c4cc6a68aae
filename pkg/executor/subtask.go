package executor

import (
	"context"
	"fmt"

	"github.com/openloom/loom/pkg/bridge"
	"github.com/openloom/loom/pkg/bus"
	"github.com/openloom/loom/pkg/collector"
	"github.com/openloom/loom/pkg/driver"
	"github.com/openloom/loom/pkg/memory"
	"github.com/openloom/loom/pkg/models"
	"github.com/openloom/loom/pkg/tool"
)

// runSubtask drives one subtask to a terminal state and returns it. The
// returned state is PENDING only when a stop raced dispatch before the
// subtask started.
func (e *Executor) runSubtask(ctx context.Context, s *models.Subtask) (final models.SubtaskState) {
	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	if e.stopped.Load() {
		return models.SubtaskPending
	}

	// 1. Resolve tools; browser subtasks borrow a pooled session when a
	// session-scoped tool factory is configured.
	sessionID := ""
	tools := e.cfg.Tools[s.AgentType]
	if s.AgentType == models.AgentTypeBrowser && e.cfg.BrowserTools != nil {
		sessionID = e.pool.borrow()
		browserTools, err := e.cfg.BrowserTools(sessionID)
		if err != nil {
			e.pool.giveBack(sessionID)
			e.markFailed(ctx, s, fmt.Sprintf("browser session setup failed: %v", err))
			return models.SubtaskFailed
		}
		tools = browserTools
	}

	defer func() {
		if sessionID != "" {
			e.pool.giveBack(sessionID)
		}
		// A cancel can leave the subtask RUNNING; close it out here.
		e.mu.Lock()
		if s.State == models.SubtaskRunning {
			s.State = models.SubtaskFailed
			s.Error = "Cancelled"
			e.emitted[s.ID] = true
			final = models.SubtaskFailed
			e.cfg.Bus.Emit(bus.New(bus.ActionSubtaskState,
				"subtask_id", s.ID, "state", string(s.State), "error", s.Error))
			e.cfg.Bus.Emit(bus.New(bus.ActionWorkerFailed,
				"subtask_id", s.ID, "worker", "#"+s.ID, "error", s.Error))
		}
		e.mu.Unlock()
	}()

	e.setRunning(ctx, s)

	// 2. Attempt loop: maxRetries+1 attempts, each with a fresh agent.
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		result, err := e.attempt(ctx, s, tools, sessionID)
		if err == nil {
			e.markDone(ctx, s, result)
			return models.SubtaskDone
		}
		lastErr = err

		// Drop dynamic subtasks this attempt inserted so a retry cannot
		// duplicate them.
		e.removeDynamic(ctx, s.ID)

		e.mu.Lock()
		s.RetryCount++
		s.Error = err.Error()
		e.mu.Unlock()

		if e.stopped.Load() {
			return models.SubtaskRunning // deferred cleanup marks Cancelled
		}
		if attempt < e.cfg.MaxRetries {
			e.log.Warn("Subtask attempt failed, retrying",
				"subtask_id", s.ID, "attempt", attempt+1, "error", err)
		}
	}

	e.markFailed(ctx, s, lastErr.Error())
	return models.SubtaskFailed
}

// attempt runs one agent conversation for the subtask. The returned string
// is the subtask result text.
func (e *Executor) attempt(ctx context.Context, s *models.Subtask, tools []tool.Tool, sessionID string) (string, error) {
	// Behaviour recorder: browser-only, best effort.
	var rec Recorder
	if e.cfg.Recorder != nil && sessionID != "" {
		rec = e.cfg.Recorder(sessionID)
		if err := rec.Start(ctx, sessionID); err != nil {
			e.log.Warn("Behaviour recorder failed to start", "subtask_id", s.ID, "error", err)
			rec = nil
		}
	}
	stopRecorder := func() []memory.Operation {
		if rec == nil {
			return nil
		}
		r := rec
		rec = nil
		return r.Stop()
	}
	defer stopRecorder()

	prompt := e.buildPrompt(s, sessionID)

	handoff := &handoffState{}
	agentTools := append(append([]tool.Tool(nil), tools...), e.replanTools(s, handoff)...)

	agent, err := e.cfg.Factory.NewAgent(driver.Options{
		SystemPrompt: e.cfg.SystemPrompts[s.AgentType],
		Tools:        agentTools,
		Label:        "#" + s.ID,
	})
	if err != nil {
		return "", fmt.Errorf("create agent: %w", err)
	}

	// Turn guard: abort the driver once the attempt exceeds the turn budget.
	turns := 0
	unsubscribe := agent.Subscribe(func(ev driver.Event) {
		if ev.Kind == driver.KindTurnEnd {
			turns++
			if turns >= e.cfg.MaxTurns {
				agent.Abort()
			}
		}
	})
	defer unsubscribe()

	detach := bridge.Attach(agent, e.cfg.Bus, bridge.Options{
		Label:     "#" + s.ID,
		AgentType: string(s.AgentType),
	})
	defer detach()

	e.registerAgent(s.ID, agent)
	defer e.unregisterAgent(s.ID)

	if err := agent.Prompt(ctx, prompt); err != nil {
		if turns >= e.cfg.MaxTurns {
			return "", fmt.Errorf("turn limit exceeded (%d turns): %w", turns, err)
		}
		return "", err
	}

	text := models.LastAssistantText(agent.Messages())
	// A hand-off summary overrides the extracted text: the agent delegated
	// the remainder of its work to dynamic subtasks.
	if summary := handoff.get(); summary != "" {
		text = summary
	}

	if s.AgentType == models.AgentTypeBrowser {
		e.collect(agent.Messages())
	}
	e.saveOperations(ctx, sessionID, stopRecorder())

	return text, nil
}

// setRunning transitions the subtask to RUNNING and announces the worker.
func (e *Executor) setRunning(ctx context.Context, s *models.Subtask) {
	e.mu.Lock()
	s.State = models.SubtaskRunning
	e.cfg.Bus.Emit(bus.New(bus.ActionAssignTask,
		"subtask_id", s.ID, "content", s.Content, "agent_type", string(s.AgentType)))
	e.cfg.Bus.Emit(bus.New(bus.ActionSubtaskState,
		"subtask_id", s.ID, "state", string(models.SubtaskRunning)))
	e.cfg.Bus.Emit(bus.New(bus.ActionWorkerAssigned,
		"subtask_id", s.ID, "worker", "#"+s.ID, "agent_type", string(s.AgentType)))
	e.persistLocked(ctx, models.TaskRunning)
	e.mu.Unlock()
}

func (e *Executor) markDone(ctx context.Context, s *models.Subtask, result string) {
	e.mu.Lock()
	s.State = models.SubtaskDone
	s.Result = result
	s.Error = ""
	e.cfg.Bus.Emit(bus.New(bus.ActionSubtaskState,
		"subtask_id", s.ID, "state", string(models.SubtaskDone)))
	e.cfg.Bus.Emit(bus.New(bus.ActionWorkerCompleted,
		"subtask_id", s.ID, "worker", "#"+s.ID))
	e.persistLocked(ctx, models.TaskRunning)
	e.mu.Unlock()
}

func (e *Executor) markFailed(ctx context.Context, s *models.Subtask, errMsg string) {
	e.mu.Lock()
	s.State = models.SubtaskFailed
	s.Error = errMsg
	e.emitted[s.ID] = true
	e.cfg.Bus.Emit(bus.New(bus.ActionSubtaskState,
		"subtask_id", s.ID, "state", string(models.SubtaskFailed), "error", errMsg))
	e.cfg.Bus.Emit(bus.New(bus.ActionWorkerFailed,
		"subtask_id", s.ID, "worker", "#"+s.ID, "error", errMsg))
	e.persistLocked(ctx, models.TaskRunning)
	e.mu.Unlock()
	e.log.Warn("Subtask failed", "subtask_id", s.ID, "error", errMsg)
}

// collect extracts learning tuples from a finished conversation.
func (e *Executor) collect(messages []models.Message) {
	records := collector.Collect(messages)
	if len(records) == 0 {
		return
	}
	e.mu.Lock()
	e.collected = append(e.collected, records...)
	e.mu.Unlock()
}

// saveOperations uploads recorded behaviour operations. Best effort.
func (e *Executor) saveOperations(ctx context.Context, sessionID string, ops []memory.Operation) {
	if e.cfg.Memory == nil || sessionID == "" || len(ops) == 0 {
		return
	}
	if err := e.cfg.Memory.Add(ctx, sessionID, ops); err != nil {
		e.log.Warn("Failed to save recorded operations", "session_id", sessionID, "error", err)
	}
}
