package slack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openloom/loom/pkg/bus"
)

// mockSlackAPI records chat.postMessage calls and answers with fixed
// timestamps.
type mockSlackAPI struct {
	mu    sync.Mutex
	calls []map[string][]string
}

func (m *mockSlackAPI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		m.mu.Lock()
		m.calls = append(m.calls, r.PostForm)
		n := len(m.calls)
		m.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch n {
		case 1:
			_, _ = w.Write([]byte(`{"ok":true,"ts":"111.222"}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true,"ts":"333.444"}`))
		}
	}
}

func (m *mockSlackAPI) threadTS(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	vals := m.calls[i]["thread_ts"]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func TestServiceNilReceiver(t *testing.T) {
	var s *Service

	assert.Empty(t, s.NotifyTaskStarted(context.Background(), TaskStartedInput{TaskID: "t1"}))
	// Should not panic.
	s.NotifyTaskFinished(context.Background(), TaskFinishedInput{TaskID: "t1", Status: "completed"})
}

func TestNewServiceRequiresTokenAndChannel(t *testing.T) {
	assert.Nil(t, NewService(ServiceConfig{Token: "", Channel: "C123"}))
	assert.Nil(t, NewService(ServiceConfig{Token: "xoxb-test", Channel: ""}))
	assert.NotNil(t, NewService(ServiceConfig{Token: "xoxb-test", Channel: "C123"}))
}

func TestNotifierThreadsTerminalUnderStart(t *testing.T) {
	mock := &mockSlackAPI{}
	srv := httptest.NewServer(mock.handler())
	defer srv.Close()

	svc := NewServiceWithClient(NewClientWithAPIURL("xoxb-test", "C123", srv.URL+"/"))
	n := NewNotifier(svc)

	started := bus.New(bus.ActionTaskStarted, "task", "collect data")
	started.TaskID = "t1"
	n.Observe("s1", started)

	ended := bus.New(bus.ActionEnd, "status", "completed")
	ended.TaskID = "t1"
	n.Observe("s1", ended)

	require.Len(t, mock.calls, 2)
	assert.Empty(t, mock.threadTS(0))
	assert.Equal(t, "111.222", mock.threadTS(1))
}

func TestNilNotifierIsNoOp(t *testing.T) {
	var n *Notifier
	assert.Nil(t, NewNotifier(nil))
	// Should not panic.
	n.Observe("s1", bus.New(bus.ActionTaskStarted))
}

func TestNotifierIgnoresOtherActions(t *testing.T) {
	mock := &mockSlackAPI{}
	srv := httptest.NewServer(mock.handler())
	defer srv.Close()

	n := NewNotifier(NewServiceWithClient(NewClientWithAPIURL("xoxb-test", "C123", srv.URL+"/")))
	n.Observe("s1", bus.New(bus.ActionAgentThinking, "content", "..."))
	n.Observe("s1", bus.New(bus.ActionWaitConfirm, "content", "done"))

	assert.Empty(t, mock.calls)
}
