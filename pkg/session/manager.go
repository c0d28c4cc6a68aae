// Package session tracks live orchestrator dialogues for the HTTP adapter.
// The manager creates a session on the first chat message, runs its loop in
// the background, fans its event bus out to SSE and WebSocket subscribers,
// and removes the session once the loop ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openloom/loom/pkg/bus"
	"github.com/openloom/loom/pkg/orchestrator"
)

var (
	// ErrNotFound is returned when no live session matches the given id.
	ErrNotFound = errors.New("session not found")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("session manager is shut down")
)

// Observer sees every event a session broadcasts. Used for side channels
// like Slack notifications that are not stream subscribers.
type Observer func(sessionID string, ev *bus.Event)

// Manager owns the live sessions. The orchestrator configuration is taken
// as a template; each session gets a copy with its own event bus.
type Manager struct {
	base    orchestrator.Config
	observe Observer
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithObserver attaches an event observer to every session.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observe = o }
}

// NewManager creates a Manager. base.Bus is ignored; every session gets a
// fresh bus keyed by its session id.
func NewManager(base orchestrator.Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		base:     base,
		log:      slog.With("component", "session"),
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Chat routes a user message. With an empty sessionID a new session is
// started and the message becomes its first turn; otherwise the message is
// posted to the existing session. The second return reports whether a
// session was created.
func (m *Manager) Chat(sessionID string, msg orchestrator.UserMessage) (*Session, bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, ErrClosed
	}

	if sessionID != "" {
		s, ok := m.sessions[sessionID]
		m.mu.Unlock()
		if !ok {
			return nil, false, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		s.Post(msg)
		return s, false, nil
	}

	s := m.start(uuid.NewString()[:8])
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.log.Info("Session started", "session_id", s.ID)
	s.Post(msg)
	return s, true, nil
}

// start wires one session: bus, orchestrator loop, and the fan-out pump.
// Caller holds m.mu.
func (m *Manager) start(id string) *Session {
	b := bus.NewBus(id)
	cfg := m.base
	cfg.Bus = b

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        id,
		CreatedAt: time.Now(),
		orc:       orchestrator.NewSession(cfg),
		bus:       b,
		cancel:    cancel,
		done:      make(chan struct{}),
		log:       m.log.With("session_id", id),
		observe:   m.observe,
		status:    StatusActive,
		subs:      make(map[int]chan *bus.Event),
	}

	go func() {
		err := s.orc.Run(ctx, "")
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("Session loop ended with error", "error", err)
		}
		s.end(err)
	}()
	go s.pump(func() { m.remove(id) })

	return s
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.log.Info("Session removed", "session_id", id)
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Subscribe attaches a consumer to the event stream of the session with the
// given id.
func (m *Manager) Subscribe(id string) (<-chan *bus.Event, func(), error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := s.Subscribe()
	return ch, cancel, nil
}

// HumanResponse answers a pending ask_human call in the given session.
func (m *Manager) HumanResponse(id, text string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.HumanResponse(text)
	return nil
}

// CancelTask stops a running executor. The key may be a session id (the
// sole executor of that session is cancelled) or an executor task id
// searched across all sessions.
func (m *Manager) CancelTask(key string) error {
	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return s.CancelTask("")
	}
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.CancelTask(key); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no running task matches '%s'", key)
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown cancels every session and waits for their loops to finish, up to
// the context deadline. The manager accepts no new sessions afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
