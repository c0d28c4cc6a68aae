package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openloom/loom/pkg/bus"
	"github.com/openloom/loom/pkg/driver"
	"github.com/openloom/loom/pkg/memory"
	"github.com/openloom/loom/pkg/models"
	"github.com/openloom/loom/pkg/tool"
)

// toolStub is a canned-response tool for browser palettes.
type toolStub struct {
	name string
	text string
}

func (s *toolStub) Name() string            { return s.name }
func (s *toolStub) Label() string           { return s.name }
func (s *toolStub) Description() string     { return "stub tool" }
func (s *toolStub) Parameters() tool.Schema { return tool.ObjectSchema(map[string]any{}) }

func (s *toolStub) Execute(ctx context.Context, toolCallID string, params map[string]any) (*tool.Result, error) {
	return tool.TextResult(s.text), nil
}

// factoryFor builds a scripted factory that selects behaviour by the agent's
// label ("#<subtask id>"). Unmapped labels respond with a canned result.
func factoryFor(scripts map[string]driver.PromptFunc) *driver.ScriptedFactory {
	return &driver.ScriptedFactory{
		Script: func(opts driver.Options) driver.PromptFunc {
			if fn, ok := scripts[opts.Label]; ok {
				return fn
			}
			return func(ctx context.Context, a *driver.ScriptedAgent, prompt string) error {
				a.RespondText("result for " + opts.Label)
				return nil
			}
		},
	}
}

func respond(text string) driver.PromptFunc {
	return func(ctx context.Context, a *driver.ScriptedAgent, prompt string) error {
		a.RespondText(text)
		return nil
	}
}

func sub(id string, agentType models.AgentType, deps ...string) *models.Subtask {
	return &models.Subtask{
		ID:          id,
		Content:     "subtask " + id,
		AgentType:   agentType,
		DependsOn:   deps,
		MemoryLevel: models.MemoryLevelL3,
		State:       models.SubtaskPending,
	}
}

type fakeStore struct {
	mu    sync.Mutex
	saves []*models.TaskSnapshot
}

func (f *fakeStore) Save(ctx context.Context, snap *models.TaskSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, snap)
	return nil
}

func (f *fakeStore) last() *models.TaskSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saves) == 0 {
		return nil
	}
	return f.saves[len(f.saves)-1]
}

type fakeMemory struct {
	mu      sync.Mutex
	added   map[string][]memory.Operation
	learned [][]memory.ExecutionRecord
}

func (f *fakeMemory) PlanTask(ctx context.Context, task string) (*memory.PlanResult, error) {
	return &memory.PlanResult{}, nil
}

func (f *fakeMemory) Add(ctx context.Context, sessionID string, ops []memory.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.added == nil {
		f.added = make(map[string][]memory.Operation)
	}
	f.added[sessionID] = append(f.added[sessionID], ops...)
	return nil
}

func (f *fakeMemory) Learn(ctx context.Context, taskID string, records []memory.ExecutionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.learned = append(f.learned, records)
	return nil
}

func testConfig(t *testing.T, factory driver.Factory) Config {
	t.Helper()
	return Config{
		TaskID:    "task-1",
		Workspace: t.TempDir(),
		Factory:   factory,
		Bus:       bus.NewBus("task-1"),
	}
}

func findSubtask(t *testing.T, e *Executor, id string) *models.Subtask {
	t.Helper()
	for _, s := range e.Subtasks() {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("subtask %s not found", id)
	return nil
}

func TestTwoIndependentSubtasks(t *testing.T) {
	var concurrent, peak atomic.Int32
	script := func(ctx context.Context, a *driver.ScriptedAgent, prompt string) error {
		n := concurrent.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		concurrent.Add(-1)
		a.RespondText("visited")
		return nil
	}

	e := New(testConfig(t, factoryFor(map[string]driver.PromptFunc{
		"#1": script, "#2": script,
	})))
	e.SetSubtasks([]*models.Subtask{
		sub("1", models.AgentTypeBrowser),
		sub("2", models.AgentTypeBrowser),
	})

	res, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Result{Completed: 2, Failed: 0, Stopped: false, Total: 2}, res)
	assert.Equal(t, int32(2), peak.Load(), "both subtasks must run concurrently")
}

func TestConcurrencyCap(t *testing.T) {
	var concurrent, peak atomic.Int32
	script := func(ctx context.Context, a *driver.ScriptedAgent, prompt string) error {
		n := concurrent.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		concurrent.Add(-1)
		a.RespondText("ok")
		return nil
	}

	scripts := make(map[string]driver.PromptFunc)
	subtasks := make([]*models.Subtask, 0, 8)
	for i := 1; i <= 8; i++ {
		id := fmt.Sprintf("%d", i)
		scripts["#"+id] = script
		subtasks = append(subtasks, sub(id, models.AgentTypeCode))
	}

	e := New(testConfig(t, factoryFor(scripts)))
	e.SetSubtasks(subtasks)

	res, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, res.Completed)
	assert.LessOrEqual(t, peak.Load(), int32(MaxParallelSubtasks))
}

func TestLinearChainWithLargeResult(t *testing.T) {
	large := strings.Repeat("x", 3000)
	var prompt2 string
	var mu sync.Mutex

	cfg := testConfig(t, factoryFor(map[string]driver.PromptFunc{
		"#1": respond(large),
		"#2": func(ctx context.Context, a *driver.ScriptedAgent, prompt string) error {
			mu.Lock()
			prompt2 = prompt
			mu.Unlock()
			a.RespondText("summarised")
			return nil
		},
	}))
	e := New(cfg)
	e.SetSubtasks([]*models.Subtask{
		sub("1", models.AgentTypeBrowser),
		sub("2", models.AgentTypeDocument, "1"),
	})

	res, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)

	spilled, err := os.ReadFile(filepath.Join(cfg.Workspace, "1_result.md"))
	require.NoError(t, err)
	assert.Equal(t, large, string(spilled))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, prompt2, "1_result.md")
	assert.NotContains(t, prompt2, large, "large result must not be inlined")
	assert.Contains(t, prompt2, "## Your Task")
}

func TestFailFastPropagation(t *testing.T) {
	attempts := 0
	cfg := testConfig(t, factoryFor(map[string]driver.PromptFunc{
		"#1": func(ctx context.Context, a *driver.ScriptedAgent, prompt string) error {
			attempts++
			return errors.New("boom")
		},
	}))
	e := New(cfg)
	e.SetSubtasks([]*models.Subtask{
		sub("1", models.AgentTypeCode),
		sub("2", models.AgentTypeCode, "1"),
		sub("3", models.AgentTypeCode, "2"),
	})

	res, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Result{Completed: 0, Failed: 3, Stopped: false, Total: 3}, res)
	assert.Equal(t, DefaultMaxRetries+1, attempts)

	s1 := findSubtask(t, e, "1")
	assert.Equal(t, models.SubtaskFailed, s1.State)
	assert.Equal(t, DefaultMaxRetries+1, s1.RetryCount)

	s2 := findSubtask(t, e, "2")
	assert.Equal(t, models.SubtaskFailed, s2.State)
	assert.Contains(t, s2.Error, "Dependency '1' failed")

	s3 := findSubtask(t, e, "3")
	assert.Equal(t, models.SubtaskFailed, s3.State)
	assert.Contains(t, s3.Error, "Dependency '2' failed")
}

func TestRetrySucceedsWithinBudget(t *testing.T) {
	calls := 0
	cfg := testConfig(t, factoryFor(map[string]driver.PromptFunc{
		"#1": func(ctx context.Context, a *driver.ScriptedAgent, prompt string) error {
			calls++
			if calls <= 2 {
				return errors.New("transient")
			}
			a.RespondText("finally")
			return nil
		},
	}))
	e := New(cfg)
	e.SetSubtasks([]*models.Subtask{sub("1", models.AgentTypeCode)})

	res, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	s1 := findSubtask(t, e, "1")
	assert.Equal(t, models.SubtaskDone, s1.State)
	assert.Equal(t, "finally", s1.Result)
	assert.Equal(t, 2, s1.RetryCount)
}

func TestMissingDependency(t *testing.T) {
	e := New(testConfig(t, factoryFor(nil)))
	e.SetSubtasks([]*models.Subtask{
		sub("1", models.AgentTypeCode),
		sub("2", models.AgentTypeCode, "zzz"),
	})

	res, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, findSubtask(t, e, "2").Error, "non-existent task 'zzz'")
}

func TestCircularDependency(t *testing.T) {
	e := New(testConfig(t, factoryFor(nil)))
	e.SetSubtasks([]*models.Subtask{
		sub("a", models.AgentTypeCode, "b"),
		sub("b", models.AgentTypeCode, "a"),
	})

	res, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Result{Completed: 0, Failed: 2, Stopped: false, Total: 2}, res)
	assert.Contains(t, findSubtask(t, e, "a").Error, "circular dependency")
	assert.Contains(t, findSubtask(t, e, "b").Error, "circular dependency")
}

func TestCancelDuringExecution(t *testing.T) {
	started := make(chan struct{})
	cfg := testConfig(t, factoryFor(map[string]driver.PromptFunc{
		"#1": func(ctx context.Context, a *driver.ScriptedAgent, prompt string) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}))
	e := New(cfg)
	e.SetSubtasks([]*models.Subtask{sub("1", models.AgentTypeCode)})

	done := make(chan *Result, 1)
	go func() {
		res, err := e.Execute(context.Background())
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	e.Stop()

	select {
	case res := <-done:
		assert.True(t, res.Stopped)
		assert.Equal(t, 1, res.Failed)
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not stop")
	}

	s1 := findSubtask(t, e, "1")
	assert.Equal(t, models.SubtaskFailed, s1.State)
	assert.Equal(t, "Cancelled", s1.Error)
}

func TestReplanMidFlight(t *testing.T) {
	var e *Executor // assigned below; the script closure runs only after Execute starts
	cfg := testConfig(t, factoryFor(map[string]driver.PromptFunc{
		"#1": func(ctx context.Context, a *driver.ScriptedAgent, prompt string) error {
			e.Pause() // parks the scheduler before subtask 2 can dispatch
			a.RespondText("result one")
			return nil
		},
		"#2": func(ctx context.Context, a *driver.ScriptedAgent, prompt string) error {
			t.Error("subtask 2 must have been replanned away")
			return errors.New("unreachable")
		},
		"#3": respond("result three"),
	}))
	e = New(cfg)
	e.SetSubtasks([]*models.Subtask{
		sub("1", models.AgentTypeBrowser),
		sub("2", models.AgentTypeBrowser, "1"),
	})

	done := make(chan *Result, 1)
	go func() {
		res, err := e.Execute(context.Background())
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		return findSubtask(t, e, "1").State == models.SubtaskDone
	}, 5*time.Second, 5*time.Millisecond)

	replan, err := e.ReplanSubtasks(context.Background(),
		[]*models.Subtask{sub("3", models.AgentTypeBrowser, "1")})
	require.NoError(t, err)
	assert.Equal(t, 1, replan.RemovedCount)
	assert.Equal(t, 1, replan.AddedCount)
	assert.Equal(t, []string{"1"}, replan.KeptIDs)

	e.Resume()

	select {
	case res := <-done:
		assert.Equal(t, 2, res.Completed)
		assert.Equal(t, 0, res.Failed)
		assert.Equal(t, 2, res.Total)
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not converge after replan")
	}
	assert.Equal(t, "result three", findSubtask(t, e, "3").Result)
}

func TestReplanValidation(t *testing.T) {
	e := New(testConfig(t, factoryFor(nil)))
	done := sub("1", models.AgentTypeCode)
	done.State = models.SubtaskDone
	done.Result = "ok"
	e.SetSubtasks([]*models.Subtask{done, sub("2", models.AgentTypeCode, "1")})

	_, err := e.ReplanSubtasks(context.Background(),
		[]*models.Subtask{sub("1", models.AgentTypeCode)})
	assert.ErrorContains(t, err, "collides with a kept subtask")

	_, err = e.ReplanSubtasks(context.Background(),
		[]*models.Subtask{sub("9", models.AgentTypeCode, "ghost")})
	assert.ErrorContains(t, err, "unknown id 'ghost'")

	// Failed replans must not mutate the subtask list.
	assert.Len(t, e.Subtasks(), 2)
}

func TestSplitAndHandoff(t *testing.T) {
	cfg := testConfig(t, factoryFor(map[string]driver.PromptFunc{
		"#1": func(ctx context.Context, a *driver.ScriptedAgent, prompt string) error {
			_, err := a.InvokeTool(ctx, "split_and_handoff", map[string]any{
				"summary": "finished the first half",
				"subtasks": []any{
					map[string]any{"content": "deploy the remaining script", "agent_type": "code"},
				},
			})
			if err != nil {
				return err
			}
			a.RespondText("this text is overridden by the hand-off summary")
			return nil
		},
	}))
	e := New(cfg)
	e.SetSubtasks([]*models.Subtask{sub("1", models.AgentTypeCode)})

	res, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, 2, res.Total)

	s1 := findSubtask(t, e, "1")
	assert.Equal(t, models.SubtaskDone, s1.State)
	assert.Equal(t, "finished the first half", s1.Result, "hand-off summary overrides the text")

	dyn := findSubtask(t, e, "1_dyn_1")
	assert.Equal(t, models.SubtaskDone, dyn.State)
	assert.Equal(t, models.AgentTypeCode, dyn.AgentType)
	assert.Equal(t, []string{"1"}, dyn.DependsOn)
}

func TestDynamicSubtasksRemovedOnRetry(t *testing.T) {
	calls := 0
	cfg := testConfig(t, factoryFor(map[string]driver.PromptFunc{
		"#1": func(ctx context.Context, a *driver.ScriptedAgent, prompt string) error {
			calls++
			if calls == 1 {
				if _, err := a.InvokeTool(ctx, "split_and_handoff", map[string]any{
					"summary":  "half done",
					"subtasks": []any{map[string]any{"content": "leftover", "agent_type": "code"}},
				}); err != nil {
					return err
				}
				return errors.New("crashed after hand-off")
			}
			a.RespondText("clean finish")
			return nil
		},
	}))
	e := New(cfg)
	e.SetSubtasks([]*models.Subtask{sub("1", models.AgentTypeCode)})

	res, err := e.Execute(context.Background())
	require.NoError(t, err)

	// The failed attempt's dynamic subtask is gone; the clean retry added none.
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, "clean finish", findSubtask(t, e, "1").Result)
}

func TestTurnLimitAbortsAttempt(t *testing.T) {
	cfg := testConfig(t, factoryFor(map[string]driver.PromptFunc{
		"#1": func(ctx context.Context, a *driver.ScriptedAgent, prompt string) error {
			for i := 0; i < 10; i++ {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.RespondText("going in circles")
			}
			return nil
		},
	}))
	cfg.MaxTurns = 3
	cfg.MaxRetries = 1
	e := New(cfg)
	e.SetSubtasks([]*models.Subtask{sub("1", models.AgentTypeCode)})

	res, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	s1 := findSubtask(t, e, "1")
	assert.Equal(t, models.SubtaskFailed, s1.State)
	assert.Contains(t, s1.Error, "turn limit exceeded")
	assert.Equal(t, 2, s1.RetryCount, "each aborted attempt consumes one retry")
}

func TestSnapshotPersistence(t *testing.T) {
	store := &fakeStore{}
	cfg := testConfig(t, factoryFor(nil))
	cfg.Store = store
	cfg.UserRequest = "do two things"
	e := New(cfg)
	e.SetSubtasks([]*models.Subtask{
		sub("1", models.AgentTypeCode),
		sub("2", models.AgentTypeCode, "1"),
	})

	_, err := e.Execute(context.Background())
	require.NoError(t, err)

	last := store.last()
	require.NotNil(t, last)
	assert.Equal(t, models.TaskCompleted, last.Status)
	assert.Equal(t, "task-1", last.TaskID)
	assert.Equal(t, "do two things", last.UserRequest)
	require.Len(t, last.Subtasks, 2)
	for _, s := range last.Subtasks {
		assert.Equal(t, models.SubtaskDone, s.State)
		assert.NotEmpty(t, s.Result)
	}
}

func TestResumeCountsDoneUpFront(t *testing.T) {
	e := New(testConfig(t, factoryFor(nil)))
	finished := sub("1", models.AgentTypeCode)
	finished.State = models.SubtaskDone
	finished.Result = "already done"
	e.SetSubtasks([]*models.Subtask{finished, sub("2", models.AgentTypeCode, "1")})

	res, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Result{Completed: 2, Failed: 0, Stopped: false, Total: 2}, res)
	assert.Equal(t, "already done", findSubtask(t, e, "1").Result)
}

func TestBrowserSessionPoolAndLearning(t *testing.T) {
	mem := &fakeMemory{}
	var closedSessions []string
	var closeMu sync.Mutex

	visit := &toolStub{name: "browser_visit_page", text: "Loaded.\nURL:** https://example.com/a"}
	script := func(ctx context.Context, a *driver.ScriptedAgent, prompt string) error {
		if _, err := a.InvokeToolWithThinking(ctx, "opening the page", "browser_visit_page",
			map[string]any{"url": "https://example.com/a"}); err != nil {
			return err
		}
		a.RespondText("page handled")
		return nil
	}

	cfg := testConfig(t, factoryFor(map[string]driver.PromptFunc{
		"#1": script, "#2": script,
	}))
	cfg.Memory = mem
	cfg.MaxParallel = 1 // serialise so the LIFO pool reuses one session
	cfg.BrowserTools = func(sessionID string) ([]tool.Tool, error) {
		return []tool.Tool{visit}, nil
	}
	cfg.CloseSession = func(sessionID string) error {
		closeMu.Lock()
		closedSessions = append(closedSessions, sessionID)
		closeMu.Unlock()
		return nil
	}

	e := New(cfg)
	e.SetSubtasks([]*models.Subtask{
		sub("1", models.AgentTypeBrowser),
		sub("2", models.AgentTypeBrowser),
	})

	res, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)

	closeMu.Lock()
	defer closeMu.Unlock()
	require.Len(t, closedSessions, 1, "LIFO pool must reuse the session across serialised subtasks")
	assert.Contains(t, closedSessions[0], "task-1_par_")

	mem.mu.Lock()
	defer mem.mu.Unlock()
	require.Len(t, mem.learned, 1, "learning upload fires once per execution")
	records := mem.learned[0]
	require.Len(t, records, 2)
	assert.Equal(t, "browser_visit_page", records[0].ToolName)
	assert.Equal(t, "https://example.com/a", records[0].CurrentURL)
	assert.Equal(t, "opening the page", records[0].Thinking)
}
