// Package planner decomposes a user task into a dependency DAG of subtasks.
//
// Memory-First: the external memory service is queried before the model so
// prior workflow knowledge shapes the decomposition. Memory failures are
// never fatal — the planner degrades to an empty context.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openloom/loom/pkg/bus"
	"github.com/openloom/loom/pkg/driver"
	"github.com/openloom/loom/pkg/memory"
	"github.com/openloom/loom/pkg/models"
)

// DefaultMemoryTimeout bounds the memory plan query. Exceeding it is
// non-fatal: decomposition proceeds with an empty context.
const DefaultMemoryTimeout = 20 * time.Second

// Result is the outcome of a decomposition.
type Result struct {
	Subtasks []*models.Subtask
	// Plan is the memory plan the decomposition was grounded on (nil when
	// the memory service was absent or failed).
	Plan  *memory.Plan
	Level models.MemoryLevel
}

// Planner turns a task description into subtasks via the agent driver.
type Planner struct {
	factory       driver.Factory
	memory        memory.Service
	bus           *bus.Bus
	workersInfo   string
	memoryTimeout time.Duration
}

// Option configures a Planner.
type Option func(*Planner)

// WithWorkersInfo overrides the worker descriptions in the prompt.
func WithWorkersInfo(info string) Option {
	return func(p *Planner) { p.workersInfo = info }
}

// WithMemoryTimeout overrides the memory query timeout.
func WithMemoryTimeout(d time.Duration) Option {
	return func(p *Planner) { p.memoryTimeout = d }
}

// New creates a Planner. memorySvc may be nil (no cloud memory configured).
func New(factory driver.Factory, memorySvc memory.Service, b *bus.Bus, opts ...Option) *Planner {
	p := &Planner{
		factory:       factory,
		memory:        memorySvc,
		bus:           b,
		workersInfo:   defaultWorkersInfo,
		memoryTimeout: DefaultMemoryTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Decompose queries memory, invokes the driver with the decomposition
// prompt, and parses the result into subtasks. A parse failure fails the
// call — there is no retry at this level.
func (p *Planner) Decompose(ctx context.Context, task string) (*Result, error) {
	p.bus.Emit(bus.New(bus.ActionPlanStarted))
	p.bus.Emit(bus.New(bus.ActionDecomposeProgress,
		"progress", 0.1, "message", "Querying memory..."))

	plan := p.queryMemory(ctx, task)

	level := ClassifyMemoryLevel(plan)
	p.bus.Emit(bus.New(bus.ActionMemoryLevel, "level", string(level)))
	p.bus.Emit(bus.New(bus.ActionAgentReport,
		"report_type", "memory",
		"content", describeMemoryLevel(level, plan)))

	p.bus.Emit(bus.New(bus.ActionDecomposeProgress,
		"progress", 0.3, "message", "Analyzing task..."))

	prompt := renderDecomposePrompt(p.workersInfo, FormatMemoryContext(plan), task)

	agent, err := p.factory.NewAgent(driver.Options{
		DisableThinking: true,
		Label:           "planner",
	})
	if err != nil {
		return nil, fmt.Errorf("create planner agent: %w", err)
	}
	if err := agent.Prompt(ctx, prompt); err != nil {
		return nil, fmt.Errorf("decomposition prompt: %w", err)
	}

	subtasks, err := ParseSubtasks(models.LastAssistantText(agent.Messages()))
	if err != nil {
		return nil, err
	}

	applyMemory(subtasks, plan, level)

	p.bus.Emit(bus.New(bus.ActionDecomposeProgress, "progress", 0.8))
	p.bus.Emit(bus.New(bus.ActionTaskDecomposed, "count", len(subtasks)))
	p.bus.Emit(bus.New(bus.ActionDecomposeProgress,
		"progress", 1.0,
		"is_final", true,
		"sub_tasks", subtasks))

	return &Result{Subtasks: subtasks, Plan: plan, Level: level}, nil
}

// queryMemory calls the memory service with a timeout. Every failure path
// returns nil; a timeout additionally surfaces a warning report.
func (p *Planner) queryMemory(ctx context.Context, task string) *memory.Plan {
	if p.memory == nil {
		return nil
	}

	memCtx, cancel := context.WithTimeout(ctx, p.memoryTimeout)
	defer cancel()

	result, err := p.memory.PlanTask(memCtx, task)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.bus.Emit(bus.New(bus.ActionAgentReport,
				"report_type", "warning",
				"content", "Memory query timed out; planning without prior workflow context."))
		}
		slog.Warn("Memory plan query failed, continuing without context", "error", err)
		return nil
	}
	return &result.MemoryPlan
}

// applyMemory stamps the classified level onto every subtask and attaches
// workflow guides positionally where the plan provides them.
func applyMemory(subtasks []*models.Subtask, plan *memory.Plan, level models.MemoryLevel) {
	for i, s := range subtasks {
		s.MemoryLevel = level
		if plan != nil && i < len(plan.Steps) && plan.Steps[i].Source != memory.SourceNone {
			s.WorkflowGuide = plan.Steps[i].WorkflowGuide
		}
	}
}

func describeMemoryLevel(level models.MemoryLevel, plan *memory.Plan) string {
	switch level {
	case models.MemoryLevelL1:
		return "Found an exact prior workflow for this task; reusing its steps."
	case models.MemoryLevelL2:
		return fmt.Sprintf("Found partial workflow guidance (%d steps); using it as background.", len(plan.Steps))
	default:
		return "No prior workflow found; planning from scratch."
	}
}
