package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Capacity is the bounded queue size. On overflow the oldest queued event is
// dropped and a warning identifying its action is logged.
const Capacity = 1000

// Bus is a bounded FIFO of events with wait-with-timeout consumption.
//
// Emit never blocks and never fails from the producer's perspective. Next
// blocks up to its timeout and returns nil on expiry or after Close. When a
// consumer is already waiting, Emit hands the event off directly, bypassing
// the queue, which preserves producer-side order because the queue is
// necessarily empty at that moment.
type Bus struct {
	taskID string

	mu      sync.Mutex
	queue   []*Event
	waiters []chan *Event // FIFO; each receives exactly one event or is closed
	closed  bool

	capacity int
	now      func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithCapacity overrides the queue capacity (tests only).
func WithCapacity(n int) Option {
	return func(b *Bus) { b.capacity = n }
}

// WithClock overrides the timestamp source (tests only).
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// NewBus creates a bus for the given task. taskID is stamped onto every emitted
// event that does not carry one already.
func NewBus(taskID string, opts ...Option) *Bus {
	b := &Bus{
		taskID:   taskID,
		capacity: Capacity,
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// TaskID returns the task this bus belongs to.
func (b *Bus) TaskID() string { return b.taskID }

// Emit stamps and enqueues the event. After Close it is a no-op.
func (b *Bus) Emit(ev *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	ev.stamp(b.taskID, b.now())

	// Direct hand-off to the longest-waiting consumer.
	for len(b.waiters) > 0 {
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		select {
		case w <- ev:
			return
		default:
			// Waiter timed out and abandoned its channel; try the next one.
		}
	}

	b.queue = append(b.queue, ev)
	if len(b.queue) > b.capacity {
		dropped := b.queue[0]
		b.queue = b.queue[1:]
		slog.Warn("Event bus overflow, dropping oldest event",
			"task_id", b.taskID, "dropped_action", dropped.Action)
	}
}

// Next returns the next event, blocking up to timeout. It returns nil on
// timeout or once the bus is closed and drained; a timeout leaves the bus
// operable.
func (b *Bus) Next(timeout time.Duration) *Event {
	b.mu.Lock()
	if len(b.queue) > 0 {
		ev := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		return ev
	}
	if b.closed {
		b.mu.Unlock()
		return nil
	}

	// Buffered so a racing Emit never blocks on an abandoned waiter.
	w := make(chan *Event, 1)
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-w: // nil after Close
		return ev
	case <-timer.C:
		b.mu.Lock()
		for i, cand := range b.waiters {
			if cand == w {
				b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		// An Emit may have handed off between timer expiry and the lock.
		select {
		case ev := <-w:
			return ev
		default:
			return nil
		}
	}
}

// Close wakes pending consumers with nil and makes further Emits no-ops.
// Idempotent. Events already queued remain drainable via Next.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, w := range b.waiters {
		close(w)
	}
	b.waiters = nil
}

// Len returns the number of queued events (diagnostics and tests).
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
