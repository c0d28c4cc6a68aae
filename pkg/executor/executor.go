// Package executor drives a subtask DAG to completion: dependency-gated
// parallel dispatch with a concurrency cap, per-subtask retries, a browser
// session pool, replan and dynamic-insert operations, learning hooks, and
// snapshot persistence.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openloom/loom/pkg/bus"
	"github.com/openloom/loom/pkg/driver"
	"github.com/openloom/loom/pkg/memory"
	"github.com/openloom/loom/pkg/models"
	"github.com/openloom/loom/pkg/tool"
)

const (
	// MaxParallelSubtasks caps concurrently running subtasks.
	MaxParallelSubtasks = 5
	// DefaultMaxRetries is the retry budget per subtask (attempts = retries+1).
	DefaultMaxRetries = 2
	// DefaultMaxTurns aborts a subtask attempt that exceeds this many turns.
	DefaultMaxTurns = 50
)

// SnapshotStore persists task snapshots. Satisfied by pkg/store.
type SnapshotStore interface {
	Save(ctx context.Context, snap *models.TaskSnapshot) error
}

// Recorder captures browser behaviour operations during one subtask attempt.
// Recorder failures are never allowed to fail the subtask.
type Recorder interface {
	Start(ctx context.Context, sessionID string) error
	Stop() []memory.Operation
}

// RecorderFactory builds a recorder for a borrowed browser session.
type RecorderFactory func(sessionID string) Recorder

// Config wires an Executor. Factory and Bus are required; everything else
// degrades gracefully when absent.
type Config struct {
	TaskID      string
	UserRequest string
	Workspace   string

	Factory driver.Factory
	Bus     *bus.Bus

	// Tools is the pre-built palette per agent type.
	Tools map[models.AgentType][]tool.Tool
	// BrowserTools builds a session-scoped browser palette. When set,
	// browser subtasks borrow a session id from the pool.
	BrowserTools func(sessionID string) ([]tool.Tool, error)
	// CloseSession closes an external browser session at executor exit.
	CloseSession func(sessionID string) error

	// SystemPrompts selects the system prompt per agent type.
	SystemPrompts map[models.AgentType]string

	Store    SnapshotStore
	Memory   memory.Service
	Recorder RecorderFactory

	// MemoryPlan is the serialised memory plan carried on the snapshot.
	MemoryPlan string

	MaxRetries  int
	MaxParallel int
	MaxTurns    int
}

// Result is the structured outcome of Execute.
type Result struct {
	Completed int
	Failed    int
	Stopped   bool
	Total     int
}

// ReplanResult is the structured outcome of ReplanSubtasks.
type ReplanResult struct {
	RemovedCount int
	AddedCount   int
	KeptIDs      []string
}

// Executor runs one task's subtask DAG. The subtask list and id map are
// mutated only under mu, which also serialises ReplanSubtasks and
// AddSubtasks against the scheduler loop.
type Executor struct {
	cfg  Config
	log  *slog.Logger
	pool *sessionPool
	sem  chan struct{}

	mu        sync.Mutex
	subtasks  []*models.Subtask
	byID      map[string]*models.Subtask
	emitted   map[string]bool
	collected []memory.ExecutionRecord
	notes     []string
	createdAt time.Time

	stopped  atomic.Bool
	stopOnce sync.Once

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool

	agentsMu sync.Mutex
	agents   map[string]driver.Agent
}

// New creates an Executor. SetSubtasks must be called before Execute.
func New(cfg Config) *Executor {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = MaxParallelSubtasks
	}
	if cfg.MaxTurns == 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}

	e := &Executor{
		cfg:       cfg,
		log:       slog.With("component", "executor", "task_id", cfg.TaskID),
		pool:      newSessionPool(cfg.TaskID, cfg.CloseSession),
		sem:       make(chan struct{}, cfg.MaxParallel),
		byID:      make(map[string]*models.Subtask),
		emitted:   make(map[string]bool),
		agents:    make(map[string]driver.Agent),
		createdAt: time.Now(),
	}
	e.pauseCond = sync.NewCond(&e.pauseMu)
	return e
}

// SetSubtasks installs the subtask list. Call once before Execute; a resumed
// task may include subtasks already in DONE state.
func (e *Executor) SetSubtasks(subtasks []*models.Subtask) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subtasks = subtasks
	e.byID = make(map[string]*models.Subtask, len(subtasks))
	for _, s := range subtasks {
		e.byID[s.ID] = s
	}
}

// Subtasks returns a deep copy of the current subtask list.
func (e *Executor) Subtasks() []*models.Subtask {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.Subtask, len(e.subtasks))
	for i, s := range e.subtasks {
		out[i] = s.Clone()
	}
	return out
}

// Execute runs the scheduling loop until every subtask is terminal or the
// executor is stopped.
func (e *Executor) Execute(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	total := len(e.subtasks)
	completed := 0
	for _, s := range e.subtasks {
		// Resume-friendly: already-DONE subtasks count up front.
		if s.State == models.SubtaskDone {
			completed++
		}
	}
	e.mu.Unlock()
	if total == 0 {
		return nil, errors.New("executor: no subtasks set")
	}

	defer e.pool.closeAll()

	e.cfg.Bus.Emit(bus.New(bus.ActionWorkforceStarted, "total", total))
	e.persist(ctx, models.TaskRunning)

	failed := 0
	for !e.stopped.Load() {
		e.waitIfPaused()
		if e.stopped.Load() {
			break
		}

		failed += e.emitNewFailures()

		eligible := e.eligible()
		failed += e.emitNewFailures() // the scan may have promoted dependents

		if len(eligible) == 0 {
			failed += e.promoteDeadlocked()
			break
		}

		completedBatch, failedBatch := e.runBatch(ctx, eligible)
		completed += completedBatch
		failed += failedBatch
	}

	stopped := e.stopped.Load()
	res := &Result{Completed: completed, Failed: failed, Stopped: stopped, Total: e.total()}

	status := models.TaskCompleted
	if stopped || failed > 0 {
		status = models.TaskFailed
	}
	action := bus.ActionWorkforceCompleted
	if stopped {
		action = bus.ActionWorkforceStopped
	}
	e.cfg.Bus.Emit(bus.New(action,
		"completed", res.Completed, "failed", res.Failed, "total", res.Total))
	e.persist(ctx, status)

	e.maybeLearn(ctx, res)
	return res, nil
}

// runBatch dispatches eligible subtasks in parallel and waits for the whole
// batch. Concurrency is capped by the semaphore inside runSubtask.
func (e *Executor) runBatch(ctx context.Context, batch []*models.Subtask) (completed, failed int) {
	states := make([]models.SubtaskState, len(batch))
	var wg sync.WaitGroup
	for i, s := range batch {
		wg.Add(1)
		go func(i int, s *models.Subtask) {
			defer wg.Done()
			states[i] = e.runSubtask(ctx, s)
		}(i, s)
	}
	wg.Wait()

	for _, st := range states {
		switch st {
		case models.SubtaskDone:
			completed++
		case models.SubtaskFailed:
			failed++
		}
	}
	return completed, failed
}

// eligible returns PENDING subtasks whose dependencies are all DONE. While
// scanning, dependents of FAILED or missing dependencies are promoted to
// FAILED fail-fast (no retry).
func (e *Executor) eligible() []*models.Subtask {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*models.Subtask
	for _, s := range e.subtasks {
		if s.State != models.SubtaskPending {
			continue
		}
		ready := true
		for _, depID := range s.DependsOn {
			dep, ok := e.byID[depID]
			if !ok {
				s.State = models.SubtaskFailed
				s.Error = fmt.Sprintf("depends on non-existent task '%s'", depID)
				ready = false
				break
			}
			if dep.State == models.SubtaskFailed {
				s.State = models.SubtaskFailed
				s.Error = fmt.Sprintf("Dependency '%s' failed: %s", depID, dep.Error)
				ready = false
				break
			}
			if dep.State != models.SubtaskDone {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, s)
		}
	}
	return out
}

// promoteDeadlocked fails every remaining PENDING subtask. With no eligible
// work left, leftover PENDING nodes can only be a dependency cycle.
func (e *Executor) promoteDeadlocked() int {
	e.mu.Lock()
	for _, s := range e.subtasks {
		if s.State == models.SubtaskPending {
			s.State = models.SubtaskFailed
			s.Error = "Blocked: circular dependency"
		}
	}
	e.mu.Unlock()
	return e.emitNewFailures()
}

// emitNewFailures emits events for FAILED subtasks not yet announced and
// returns how many were new.
func (e *Executor) emitNewFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	count := 0
	for _, s := range e.subtasks {
		if s.State != models.SubtaskFailed || e.emitted[s.ID] {
			continue
		}
		e.emitted[s.ID] = true
		count++
		e.cfg.Bus.Emit(bus.New(bus.ActionSubtaskState,
			"subtask_id", s.ID, "state", string(s.State), "error", s.Error))
		e.cfg.Bus.Emit(bus.New(bus.ActionWorkerFailed,
			"subtask_id", s.ID, "worker", "#"+s.ID, "error", s.Error))
		e.log.Warn("Subtask failed", "subtask_id", s.ID, "error", s.Error)
	}
	return count
}

// total returns the current subtask count (replans may have changed it).
func (e *Executor) total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subtasks)
}

// Inject records an operator note that is appended to the prompt of every
// subtask dispatched afterwards. Already-running subtasks are unaffected.
func (e *Executor) Inject(note string) {
	if note == "" {
		return
	}
	e.mu.Lock()
	e.notes = append(e.notes, note)
	e.mu.Unlock()
	e.cfg.Bus.Emit(bus.New(bus.ActionNotice, "content", note))
	e.log.Info("Operator note injected")
}

// Stop cancels the executor: sets the stop flag, aborts all in-flight driver
// calls, and wakes pause waiters. Idempotent.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		e.log.Info("Executor stop requested")

		e.agentsMu.Lock()
		for _, a := range e.agents {
			a.Abort()
		}
		e.agentsMu.Unlock()

		e.pauseMu.Lock()
		e.paused = false
		e.pauseCond.Broadcast()
		e.pauseMu.Unlock()
	})
}

// Stopped reports whether Stop has been called.
func (e *Executor) Stopped() bool { return e.stopped.Load() }

// Pause suspends the scheduler before the next batch. Running subtasks are
// not interrupted.
func (e *Executor) Pause() {
	e.pauseMu.Lock()
	e.paused = true
	e.pauseMu.Unlock()
}

// Resume wakes a paused scheduler.
func (e *Executor) Resume() {
	e.pauseMu.Lock()
	e.paused = false
	e.pauseCond.Broadcast()
	e.pauseMu.Unlock()
}

func (e *Executor) waitIfPaused() {
	e.pauseMu.Lock()
	for e.paused && !e.stopped.Load() {
		e.pauseCond.Wait()
	}
	e.pauseMu.Unlock()
}

// Snapshot builds the current task snapshot.
func (e *Executor) Snapshot(status models.TaskStatus) *models.TaskSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(status)
}

func (e *Executor) snapshotLocked(status models.TaskStatus) *models.TaskSnapshot {
	subs := make([]*models.Subtask, len(e.subtasks))
	for i, s := range e.subtasks {
		subs[i] = s.Clone()
	}
	return &models.TaskSnapshot{
		TaskID:      e.cfg.TaskID,
		UserRequest: e.cfg.UserRequest,
		Status:      status,
		MemoryPlan:  e.cfg.MemoryPlan,
		Subtasks:    subs,
		CreatedAt:   e.createdAt,
		UpdatedAt:   time.Now(),
	}
}

// persist writes the current snapshot. Fire-and-forget: failures are logged
// and swallowed so persistence never fails the task.
func (e *Executor) persist(ctx context.Context, status models.TaskStatus) {
	if e.cfg.Store == nil {
		return
	}
	if err := e.cfg.Store.Save(ctx, e.Snapshot(status)); err != nil {
		e.log.Warn("Failed to persist task snapshot", "error", err)
	}
}

func (e *Executor) persistLocked(ctx context.Context, status models.TaskStatus) {
	if e.cfg.Store == nil {
		return
	}
	if err := e.cfg.Store.Save(ctx, e.snapshotLocked(status)); err != nil {
		e.log.Warn("Failed to persist task snapshot", "error", err)
	}
}

func (e *Executor) registerAgent(subtaskID string, a driver.Agent) {
	e.agentsMu.Lock()
	e.agents[subtaskID] = a
	e.agentsMu.Unlock()
	// A Stop that raced registration must still abort this agent.
	if e.stopped.Load() {
		a.Abort()
	}
}

func (e *Executor) unregisterAgent(subtaskID string) {
	e.agentsMu.Lock()
	delete(e.agents, subtaskID)
	e.agentsMu.Unlock()
}

// maybeLearn uploads execution data for workflow learning. Triggered only
// when the run was not cancelled, a memory service is wired, the task had at
// least two subtasks including a browser one, and every browser subtask
// finished DONE. Failures are logged and swallowed.
func (e *Executor) maybeLearn(ctx context.Context, res *Result) {
	if e.cfg.Memory == nil || res.Stopped {
		return
	}

	e.mu.Lock()
	browser, browserDone := 0, 0
	for _, s := range e.subtasks {
		if s.AgentType == models.AgentTypeBrowser {
			browser++
			if s.State == models.SubtaskDone {
				browserDone++
			}
		}
	}
	total := len(e.subtasks)
	records := append([]memory.ExecutionRecord(nil), e.collected...)
	e.mu.Unlock()

	if browser == 0 || total < 2 || browserDone != browser || len(records) == 0 {
		return
	}

	learnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := e.cfg.Memory.Learn(learnCtx, e.cfg.TaskID, records); err != nil {
		e.log.Warn("Learning upload failed", "error", err)
	}
}
