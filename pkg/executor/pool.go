package executor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// claimedPages is the process-global set of external browser pages currently
// rented to a session. The external browser is shared across executors, so
// the scan-and-claim critical section must be guarded by one lock to prevent
// double-allocation across parallel sessions.
var claimedPages = struct {
	mu  sync.Mutex
	ids map[string]bool
}{ids: make(map[string]bool)}

// ClaimPage marks a page id as in use. Returns false when the page is
// already claimed by another session.
func ClaimPage(id string) bool {
	claimedPages.mu.Lock()
	defer claimedPages.mu.Unlock()
	if claimedPages.ids[id] {
		return false
	}
	claimedPages.ids[id] = true
	return true
}

// ReleasePage returns a page id to the free set.
func ReleasePage(id string) {
	claimedPages.mu.Lock()
	defer claimedPages.mu.Unlock()
	delete(claimedPages.ids, id)
}

// sessionPool is a LIFO stack of reusable browser session ids scoped to one
// executor. Sessions are created lazily on first borrow and closed only when
// the executor exits.
type sessionPool struct {
	taskID string
	closer func(sessionID string) error

	mu   sync.Mutex
	free []string
	all  []string
}

func newSessionPool(taskID string, closer func(string) error) *sessionPool {
	return &sessionPool{taskID: taskID, closer: closer}
}

// borrow pops the most recently returned session id, creating a fresh one
// when the stack is empty.
func (p *sessionPool) borrow() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		return id
	}

	id := fmt.Sprintf("%s_par_%d_%s", p.taskID, time.Now().UnixMilli(), uuid.NewString()[:8])
	p.all = append(p.all, id)
	ClaimPage(id)
	return id
}

// giveBack returns a session id to the stack for reuse by the next subtask.
func (p *sessionPool) giveBack(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, id)
}

// closeAll closes every session ever created by this pool. Called once at
// executor exit; close failures are logged and swallowed.
func (p *sessionPool) closeAll() {
	p.mu.Lock()
	all := append([]string(nil), p.all...)
	p.all = nil
	p.free = nil
	p.mu.Unlock()

	for _, id := range all {
		if p.closer != nil {
			if err := p.closer(id); err != nil {
				slog.Warn("Failed to close browser session", "session_id", id, "error", err)
			}
		}
		ReleasePage(id)
	}
}
