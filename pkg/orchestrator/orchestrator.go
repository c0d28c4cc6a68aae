// Package orchestrator implements the persistent conversational loop. Each
// iteration drives one model turn that either answers the user directly or,
// via the delegation tools, spawns a background executor whose completion is
// raced against the next user message.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/openloom/loom/pkg/bridge"
	"github.com/openloom/loom/pkg/bus"
	"github.com/openloom/loom/pkg/driver"
	"github.com/openloom/loom/pkg/executor"
	"github.com/openloom/loom/pkg/memory"
	"github.com/openloom/loom/pkg/models"
	"github.com/openloom/loom/pkg/tool"
)

// DefaultIdleTimeout ends an orchestrator session that has no running
// executors and receives no user message.
const DefaultIdleTimeout = 10 * time.Minute

// SnapshotStore is the persistence surface the orchestrator consumes for
// resume. Satisfied by pkg/store.
type SnapshotStore interface {
	Save(ctx context.Context, snap *models.TaskSnapshot) error
	Get(ctx context.Context, taskID string) (*models.TaskSnapshot, error)
	LatestIncomplete(ctx context.Context) (*models.TaskSnapshot, error)
}

// Config wires a Session.
type Config struct {
	Factory driver.Factory
	Bus     *bus.Bus

	Store  SnapshotStore  // optional; resume disabled when nil
	Memory memory.Service // optional

	Workspace string
	Platform  string

	// BaseTools is the static orchestrator palette (shell_exec,
	// web_search). The orchestration meta tools plus ask_human and
	// attach_file are added by the session itself.
	BaseTools []tool.Tool

	// Executor wiring, copied into every spawned executor.
	ExecutorTools map[models.AgentType][]tool.Tool
	BrowserTools  func(sessionID string) ([]tool.Tool, error)
	CloseSession  func(sessionID string) error
	Recorder      executor.RecorderFactory
	SystemPrompts map[models.AgentType]string
	MaxRetries    int
	MaxTurns      int
	MaxParallel   int

	// WorkersInfo overrides the planner's worker descriptions.
	WorkersInfo string
	// MemoryTimeout overrides the planner's memory query timeout.
	MemoryTimeout time.Duration

	IdleTimeout time.Duration
	// now is test-overridable.
	now func() time.Time
}

// delegation is the per-turn context set by decompose_task.
type delegation struct {
	Task     string
	Folder   string
	ResumeID string
}

// UserMessage is one inbound chat message.
type UserMessage struct {
	Content string
	Files   []string
}

// Session is one persistent orchestrator dialogue. Post a user message with
// Post; run the loop with Run (usually in its own goroutine).
type Session struct {
	cfg Config
	log *slog.Logger

	userCh      chan UserMessage
	humanCh     chan string
	completions chan *Handle

	mu          sync.Mutex
	agent       driver.Agent
	handles     map[string]*Handle
	delegated   *delegation
	attachments []string
}

// NewSession creates a Session.
func NewSession(cfg Config) *Session {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Session{
		cfg:         cfg,
		log:         slog.With("component", "orchestrator"),
		userCh:      make(chan UserMessage, 16),
		humanCh:     make(chan string, 1),
		completions: make(chan *Handle, 16),
		handles:     make(map[string]*Handle),
	}
}

// Post delivers a user message to the session. Non-blocking up to the
// channel buffer; the HTTP adapter calls this.
func (s *Session) Post(msg UserMessage) {
	s.userCh <- msg
}

// HumanResponse delivers an answer for a pending ask_human call.
func (s *Session) HumanResponse(text string) {
	select {
	case s.humanCh <- text:
		s.cfg.Bus.Emit(bus.New(bus.ActionHumanResponse, "content", text))
	default:
	}
}

// AwaitHuman blocks until a human response arrives. Used by the ask_human
// builtin tool.
func (s *Session) AwaitHuman(ctx context.Context) (string, error) {
	select {
	case text := <-s.humanCh:
		return text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// AddAttachment records a file for the next wait_confirm. Used by the
// attach_file builtin tool.
func (s *Session) AddAttachment(path string) {
	s.mu.Lock()
	s.attachments = append(s.attachments, path)
	s.mu.Unlock()
}

// Run processes messages until the session ends (idle timeout with no
// running executors, or ctx cancellation). initialMessage may be empty, in
// which case the loop starts by waiting for the first Post.
func (s *Session) Run(ctx context.Context, initialMessage string) error {
	msg := initialMessage
	if msg == "" {
		next, ok := s.awaitNext(ctx)
		if !ok {
			return nil
		}
		msg = next
	}

	for {
		// 1. Settled executors are summarised as a prefix; the user message
		// is retained after it. A completion wake whose handle was already
		// drained leaves nothing to prompt with, so skip the turn.
		incoming := s.drainCompleted() + msg
		if incoming == "" {
			next, ok := s.awaitNext(ctx)
			if !ok {
				return nil
			}
			msg = next
			continue
		}

		// 2-3. Rebuild the system prompt with the live task context.
		sysPrompt := s.renderSystemPrompt()

		// 4. Per-turn state resets.
		s.clearTurn()

		// 5. One agent per session, system prompt refreshed each turn.
		agent, err := s.ensureAgent(sysPrompt)
		if err != nil {
			return err
		}

		// 6. Credentials checked before burning the user's message.
		if err := s.cfg.Factory.ValidateCredentials(); err != nil {
			s.cfg.Bus.Emit(bus.New(bus.ActionError,
				"code", "NO_API_KEY", "message", err.Error(), "recoverable", false))
			s.cfg.Bus.Emit(bus.New(bus.ActionWaitConfirm,
				"content", "The model provider is not configured. Fix the credentials and try again.",
				"question", msg))
			next, ok := s.awaitNext(ctx)
			if !ok {
				return nil
			}
			msg = next
			continue
		}

		// 7. Drive one turn.
		promptErr := agent.Prompt(ctx, incoming)

		// 8. A delegation tool aborts its own driver on purpose; treat that
		// abort as benign and expunge the stopped tail.
		if s.delegationPending() {
			agent.ClearErr()
			agent.DropAssistantTail()
		} else if promptErr != nil && !errors.Is(promptErr, context.Canceled) {
			s.log.Warn("Orchestrator turn failed", "error", promptErr)
			s.cfg.Bus.Emit(bus.New(bus.ActionError,
				"message", promptErr.Error(), "recoverable", true))
			s.cfg.Bus.Emit(bus.New(bus.ActionWaitConfirm,
				"content", "Something went wrong handling that message. Please try again.",
				"question", msg))
			next, ok := s.awaitNext(ctx)
			if !ok {
				return nil
			}
			msg = next
			continue
		}

		// 9. Reply, then either spawn the delegated executor or just hand
		// the floor back.
		reply := models.LastAssistantText(agent.Messages())
		if d := s.takeDelegation(); d != nil {
			s.cfg.Bus.Emit(bus.New(bus.ActionWaitConfirm, "content", reply, "question", msg))
			s.cfg.Bus.Emit(bus.New(bus.ActionConfirmed))
			s.spawnExecutor(ctx, d)
		} else {
			s.cfg.Bus.Emit(bus.New(bus.ActionWaitConfirm,
				"content", reply, "question", msg, "files", s.takeAttachments()))
		}

		// 10. Race the next user message against executor completion; time
		// out only when idle.
		next, ok := s.awaitNext(ctx)
		if !ok {
			return nil
		}
		msg = next
	}
}

// awaitNext blocks for the next wake-up: a user message, an executor
// completion (returns an empty message so the next iteration drains it), or
// the idle timeout when nothing is running.
func (s *Session) awaitNext(ctx context.Context) (string, bool) {
	var idleC <-chan time.Time
	if s.activeHandles() == 0 {
		timer := time.NewTimer(s.cfg.IdleTimeout)
		defer timer.Stop()
		idleC = timer.C
	}

	select {
	case m := <-s.userCh:
		return formatUserMessage(m), true
	case <-s.completions:
		return "", true
	case <-idleC:
		s.log.Info("Orchestrator session idle timeout")
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// formatUserMessage renders an inbound message as the turn prompt,
// appending any attached file paths so the agent can reach them with its
// file tools.
func formatUserMessage(m UserMessage) string {
	if len(m.Files) == 0 {
		return m.Content
	}
	var b strings.Builder
	b.WriteString(m.Content)
	b.WriteString("\n\nAttached files:")
	for _, f := range m.Files {
		b.WriteString("\n- ")
		b.WriteString(f)
	}
	return b.String()
}

func (s *Session) ensureAgent(systemPrompt string) (driver.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent != nil {
		s.agent.SetSystemPrompt(systemPrompt)
		return s.agent, nil
	}
	agent, err := s.cfg.Factory.NewAgent(driver.Options{
		SystemPrompt: systemPrompt,
		Tools:        append(append([]tool.Tool(nil), s.cfg.BaseTools...), s.metaTools()...),
	})
	if err != nil {
		return nil, err
	}
	bridge.Attach(agent, s.cfg.Bus, bridge.Options{AgentType: "orchestrator"})
	s.agent = agent
	return agent, nil
}

func (s *Session) clearTurn() {
	s.mu.Lock()
	s.delegated = nil
	s.mu.Unlock()
}

func (s *Session) setDelegation(d *delegation) {
	s.mu.Lock()
	s.delegated = d
	s.mu.Unlock()
}

func (s *Session) delegationPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delegated != nil
}

func (s *Session) takeDelegation() *delegation {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.delegated
	s.delegated = nil
	return d
}

func (s *Session) takeAttachments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := s.attachments
	s.attachments = nil
	return files
}

// abortCurrentTurn aborts the in-flight model turn. Called by
// decompose_task to stop the model from invoking further tools this turn.
func (s *Session) abortCurrentTurn() {
	s.mu.Lock()
	agent := s.agent
	s.mu.Unlock()
	if agent != nil {
		agent.Abort()
	}
}
