package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/openloom/loom/pkg/bus"
	"github.com/openloom/loom/pkg/orchestrator"
)

// Status of a managed session.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
	StatusFailed Status = "failed"
)

// subscriberBuffer bounds each subscriber's channel. A subscriber that
// cannot keep up loses events rather than stalling the pump.
const subscriberBuffer = 256

// Session wraps one orchestrator dialogue together with its event bus and
// the fan-out to HTTP subscribers. The bus is single-consumer, so a pump
// goroutine owns it and broadcasts every event to the current subscribers.
type Session struct {
	ID        string
	CreatedAt time.Time

	orc     *orchestrator.Session
	bus     *bus.Bus
	cancel  context.CancelFunc
	done    chan struct{}
	log     *slog.Logger
	observe Observer

	mu      sync.Mutex
	status  Status
	err     error
	subs    map[int]chan *bus.Event
	nextSub int
}

// Status returns the session's lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the error the orchestrator loop ended with, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done closes when the orchestrator loop has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Post delivers a user message to the orchestrator.
func (s *Session) Post(msg orchestrator.UserMessage) {
	s.orc.Post(msg)
}

// HumanResponse answers a pending ask_human call.
func (s *Session) HumanResponse(text string) {
	s.orc.HumanResponse(text)
}

// CancelTask stops a running executor in this session. An empty key targets
// the sole running executor.
func (s *Session) CancelTask(key string) error {
	return s.orc.CancelTask(key)
}

// Subscribe registers a consumer for the session's event stream. The cancel
// function must be called when the consumer is done. On an ended session
// the returned channel is already closed.
func (s *Session) Subscribe() (<-chan *bus.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		ch := make(chan *bus.Event)
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	ch := make(chan *bus.Event, subscriberBuffer)
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

// pump drains the session bus and broadcasts to subscribers until the
// orchestrator loop ends and the bus is fully drained.
func (s *Session) pump(onExit func()) {
	defer onExit()

	for {
		if ev := s.bus.Next(time.Second); ev != nil {
			s.broadcast(ev)
			continue
		}
		select {
		case <-s.done:
			// Bus is closed; deliver whatever is still queued.
			for ev := s.bus.Next(10 * time.Millisecond); ev != nil; ev = s.bus.Next(10 * time.Millisecond) {
				s.broadcast(ev)
			}
			s.closeSubs()
			return
		default:
		}
	}
}

func (s *Session) broadcast(ev *bus.Event) {
	if s.observe != nil {
		s.observe(s.ID, ev)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Warn("Subscriber too slow, dropping event",
				"subscriber", id, "action", ev.Action)
		}
	}
}

func (s *Session) closeSubs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// end records the loop outcome and wakes the pump.
func (s *Session) end(err error) {
	s.mu.Lock()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.status = StatusFailed
		s.err = err
	} else {
		s.status = StatusEnded
	}
	s.mu.Unlock()
	close(s.done)
	s.bus.Close()
}
