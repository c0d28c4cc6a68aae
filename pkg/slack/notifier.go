package slack

import (
	"context"
	"sync"
	"time"

	"github.com/openloom/loom/pkg/bus"
)

// notifyTimeout bounds one notification delivery from the event path.
const notifyTimeout = 15 * time.Second

// Notifier turns bus events into Slack notifications: task_started opens a
// message, the terminal end event replies in its thread. Nil-safe.
type Notifier struct {
	svc *Service

	mu      sync.Mutex
	threads map[string]string // task id → start-message timestamp
}

// NewNotifier creates a Notifier over the given service. A nil service
// yields a nil Notifier, which is a valid no-op observer.
func NewNotifier(svc *Service) *Notifier {
	if svc == nil {
		return nil
	}
	return &Notifier{svc: svc, threads: make(map[string]string)}
}

// Observe consumes one event from a session's stream. Safe to call from the
// session fan-out goroutine; delivery runs inline with a bounded timeout.
func (n *Notifier) Observe(sessionID string, ev *bus.Event) {
	if n == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	switch ev.Action {
	case bus.ActionTaskStarted:
		ts := n.svc.NotifyTaskStarted(ctx, TaskStartedInput{
			TaskID:  ev.TaskID,
			Request: ev.GetString("task"),
		})
		if ts != "" {
			n.mu.Lock()
			n.threads[ev.TaskID] = ts
			n.mu.Unlock()
		}

	case bus.ActionEnd:
		n.mu.Lock()
		ts := n.threads[ev.TaskID]
		delete(n.threads, ev.TaskID)
		n.mu.Unlock()

		n.svc.NotifyTaskFinished(ctx, TaskFinishedInput{
			TaskID:   ev.TaskID,
			Status:   ev.GetString("status"),
			Error:    ev.GetString("error"),
			ThreadTS: ts,
		})
	}
}
