package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openloom/loom/pkg/bus"
	"github.com/openloom/loom/pkg/executor"
	"github.com/openloom/loom/pkg/models"
	"github.com/openloom/loom/pkg/planner"
)

// summaryResultLimit truncates per-subtask results in the completion summary
// prepended to the next orchestrator turn.
const summaryResultLimit = 1000

// Handle tracks one background executor. The Executor pointer is nil while
// the planner is still decomposing.
type Handle struct {
	ID        string
	TaskID    string
	Label     string
	StartedAt time.Time
	Workspace string

	mu     sync.Mutex
	exec   *executor.Executor
	result *executor.Result
	err    error

	done chan struct{}
}

func (h *Handle) setExec(e *executor.Executor) {
	h.mu.Lock()
	h.exec = e
	h.mu.Unlock()
}

// Executor returns the live executor, nil during planning.
func (h *Handle) Executor() *executor.Executor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exec
}

func (h *Handle) settle(res *executor.Result, err error) {
	h.mu.Lock()
	h.result = res
	h.err = err
	h.mu.Unlock()
}

func (h *Handle) outcome() (*executor.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Done reports whether the executor has settled.
func (h *Handle) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Cancel stops the running executor, if any.
func (h *Handle) Cancel() {
	if e := h.Executor(); e != nil {
		e.Stop()
	}
}

// spawnExecutor plans (or resumes) the delegated task and runs it in the
// background, tracked by a handle.
func (s *Session) spawnExecutor(ctx context.Context, d *delegation) *Handle {
	h := &Handle{
		ID:        uuid.NewString()[:8],
		Label:     d.Folder,
		StartedAt: s.cfg.now(),
		Workspace: s.cfg.Workspace,
		done:      make(chan struct{}),
	}
	if h.Label == "" {
		h.Label = "task-" + h.ID
	}
	h.TaskID = h.ID

	s.mu.Lock()
	s.handles[h.ID] = h
	s.mu.Unlock()

	go func() {
		defer func() {
			close(h.done)
			s.completions <- h
		}()
		s.runDelegation(ctx, h, d)
	}()
	return h
}

func (s *Session) runDelegation(ctx context.Context, h *Handle, d *delegation) {
	b := s.cfg.Bus

	var subtasks []*models.Subtask
	memoryPlan := ""

	if d.ResumeID != "" {
		snap, err := s.loadForResume(ctx, d.ResumeID)
		if err != nil {
			h.settle(nil, err)
			b.Emit(bus.New(bus.ActionTaskFailed, "error", err.Error()))
			b.Emit(bus.New(bus.ActionEnd, "status", "failed"))
			return
		}
		h.TaskID = snap.TaskID
		if d.Task == "" {
			d.Task = snap.UserRequest
		}
		subtasks = snap.Subtasks
		memoryPlan = snap.MemoryPlan
		b.Emit(bus.New(bus.ActionTaskStarted, "task", d.Task, "resumed", true))
	} else {
		b.Emit(bus.New(bus.ActionTaskStarted, "task", d.Task))

		opts := []planner.Option{}
		if s.cfg.WorkersInfo != "" {
			opts = append(opts, planner.WithWorkersInfo(s.cfg.WorkersInfo))
		}
		if s.cfg.MemoryTimeout > 0 {
			opts = append(opts, planner.WithMemoryTimeout(s.cfg.MemoryTimeout))
		}
		p := planner.New(s.cfg.Factory, s.cfg.Memory, b, opts...)
		planned, err := p.Decompose(ctx, d.Task)
		if err != nil {
			h.settle(nil, err)
			s.log.Warn("Decomposition failed", "error", err)
			b.Emit(bus.New(bus.ActionTaskFailed, "error", err.Error()))
			b.Emit(bus.New(bus.ActionEnd, "status", "failed"))
			return
		}
		subtasks = planned.Subtasks
		if planned.Plan != nil {
			memoryPlan = planner.FormatMemoryContext(planned.Plan)
		}
	}

	exec := executor.New(executor.Config{
		TaskID:        h.TaskID,
		UserRequest:   d.Task,
		Workspace:     h.Workspace,
		Factory:       s.cfg.Factory,
		Bus:           b,
		Tools:         s.cfg.ExecutorTools,
		BrowserTools:  s.cfg.BrowserTools,
		CloseSession:  s.cfg.CloseSession,
		SystemPrompts: s.cfg.SystemPrompts,
		Store:         storeAdapter(s.cfg.Store),
		Memory:        s.cfg.Memory,
		Recorder:      s.cfg.Recorder,
		MemoryPlan:    memoryPlan,
		MaxRetries:    s.cfg.MaxRetries,
		MaxTurns:      s.cfg.MaxTurns,
		MaxParallel:   s.cfg.MaxParallel,
	})
	exec.SetSubtasks(subtasks)
	h.setExec(exec)

	res, err := exec.Execute(ctx)
	h.settle(res, err)
	if err != nil {
		b.Emit(bus.New(bus.ActionTaskFailed, "error", err.Error()))
		b.Emit(bus.New(bus.ActionEnd, "status", "failed"))
		return
	}

	switch {
	case res.Stopped:
		b.Emit(bus.New(bus.ActionTaskCancelled))
		b.Emit(bus.New(bus.ActionEnd, "status", "cancelled"))
	case res.Failed > 0:
		b.Emit(bus.New(bus.ActionTaskFailed,
			"completed", res.Completed, "failed", res.Failed))
		b.Emit(bus.New(bus.ActionEnd, "status", "failed"))
	default:
		b.Emit(bus.New(bus.ActionTaskCompleted, "completed", res.Completed))
		b.Emit(bus.New(bus.ActionEnd, "status", "completed"))
	}
}

// loadForResume loads a snapshot, applies the resume recovery rule, and
// rewrites the original as completed so it stops listing as resumable.
func (s *Session) loadForResume(ctx context.Context, taskID string) (*models.TaskSnapshot, error) {
	if s.cfg.Store == nil {
		return nil, fmt.Errorf("resume: no snapshot store configured")
	}
	snap, err := s.cfg.Store.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("resume: load snapshot '%s': %w", taskID, err)
	}

	// Retire the stored copy; the executor immediately persists the live
	// state under the same id.
	retired := *snap
	retired.Status = models.TaskCompleted
	if err := s.cfg.Store.Save(ctx, &retired); err != nil {
		s.log.Warn("Failed to retire resumed snapshot", "task_id", taskID, "error", err)
	}

	snap.ResetForResume()
	return snap, nil
}

// storeAdapter narrows the orchestrator store to the executor's interface.
func storeAdapter(s SnapshotStore) executor.SnapshotStore {
	if s == nil {
		return nil
	}
	return s
}

// drainCompleted removes settled handles and renders their summaries as a
// prefix for the next turn's message.
func (s *Session) drainCompleted() string {
	s.mu.Lock()
	var settled []*Handle
	for id, h := range s.handles {
		if h.Done() {
			settled = append(settled, h)
			delete(s.handles, id)
		}
	}
	s.mu.Unlock()

	var b strings.Builder
	for _, h := range settled {
		b.WriteString(s.summarise(h))
	}
	return b.String()
}

// summarise renders one settled handle: status line plus per-DONE-subtask
// results truncated for prompt budget.
func (s *Session) summarise(h *Handle) string {
	res, err := h.outcome()

	var b strings.Builder
	fmt.Fprintf(&b, "[EXECUTION COMPLETE: %s]\n", h.Label)
	switch {
	case err != nil:
		fmt.Fprintf(&b, "The task failed before execution: %v\n", err)
	case res == nil:
		b.WriteString("The task produced no result.\n")
	default:
		suffix := ""
		if res.Stopped {
			suffix = ", cancelled"
		}
		fmt.Fprintf(&b, "Completed %d/%d subtasks (%d failed%s).\n",
			res.Completed, res.Total, res.Failed, suffix)
		if e := h.Executor(); e != nil {
			for _, st := range e.Subtasks() {
				switch st.State {
				case models.SubtaskDone:
					fmt.Fprintf(&b, "- [%s] %s: %s\n", st.ID, st.Content, truncate(st.Result, summaryResultLimit))
				case models.SubtaskFailed:
					fmt.Fprintf(&b, "- [%s] %s: FAILED (%s)\n", st.ID, st.Content, st.Error)
				}
			}
		}
	}
	b.WriteString("\n")
	return b.String()
}

// activeHandles counts executors still running.
func (s *Session) activeHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.handles {
		if !h.Done() {
			n++
		}
	}
	return n
}

// resolveHandle finds a running handle by id or label; with an empty key it
// returns the sole running handle if exactly one exists.
func (s *Session) resolveHandle(key string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key == "" {
		var only *Handle
		for _, h := range s.handles {
			if h.Done() {
				continue
			}
			if only != nil {
				return nil, fmt.Errorf("multiple executors running; specify a task id")
			}
			only = h
		}
		if only == nil {
			return nil, fmt.Errorf("no executor is running")
		}
		return only, nil
	}

	for _, h := range s.handles {
		if h.ID == key || h.TaskID == key || h.Label == key {
			return h, nil
		}
	}
	return nil, fmt.Errorf("no executor matches '%s'", key)
}

// CancelTask stops the running executor matching key (handle id, task id,
// or label). An empty key targets the sole running executor. The HTTP
// adapter calls this for POST /tasks/:id/cancel.
func (s *Session) CancelTask(key string) error {
	h, err := s.resolveHandle(key)
	if err != nil {
		return err
	}
	h.Cancel()
	return nil
}

// activeTasksContext enumerates running executors and their subtask states
// for the system prompt.
func (s *Session) activeTasksContext() string {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		if !h.Done() {
			handles = append(handles, h)
		}
	}
	s.mu.Unlock()

	if len(handles) == 0 {
		return "No tasks are currently running."
	}

	var b strings.Builder
	for _, h := range handles {
		fmt.Fprintf(&b, "Task %s (%s), started %s:\n",
			h.TaskID, h.Label, h.StartedAt.Format(time.RFC3339))
		e := h.Executor()
		if e == nil {
			b.WriteString("  planning in progress\n")
			continue
		}
		for _, st := range e.Subtasks() {
			fmt.Fprintf(&b, "  [%s] %s — %s\n", st.ID, st.State, st.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
