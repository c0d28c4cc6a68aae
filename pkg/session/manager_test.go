package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openloom/loom/pkg/bus"
	"github.com/openloom/loom/pkg/driver"
	"github.com/openloom/loom/pkg/orchestrator"
)

func echoFactory(reply string) *driver.ScriptedFactory {
	return &driver.ScriptedFactory{
		Script: func(opts driver.Options) driver.PromptFunc {
			return func(ctx context.Context, a *driver.ScriptedAgent, prompt string) error {
				a.RespondText(reply)
				return nil
			}
		},
	}
}

func testManager(t *testing.T, idle time.Duration) *Manager {
	t.Helper()
	return NewManager(orchestrator.Config{
		Factory:     echoFactory("done"),
		Workspace:   t.TempDir(),
		Platform:    "linux",
		IdleTimeout: idle,
	})
}

func collect(t *testing.T, ch <-chan *bus.Event, action string) *bus.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed before %q arrived", action)
			}
			if ev.Action == action {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", action)
		}
	}
}

func TestChatCreatesAndReusesSession(t *testing.T) {
	m := testManager(t, time.Minute)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	s, created, err := m.Chat("", orchestrator.UserMessage{Content: "hello"})
	require.NoError(t, err)
	assert.True(t, created)
	require.NotEmpty(t, s.ID)
	assert.Equal(t, StatusActive, s.Status())

	ch, cancel, err := m.Subscribe(s.ID)
	require.NoError(t, err)
	defer cancel()

	same, created, err := m.Chat(s.ID, orchestrator.UserMessage{Content: "again"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, s, same)

	// The scripted agent answers inline, so each turn ends in wait_confirm.
	ev := collect(t, ch, bus.ActionWaitConfirm)
	assert.Equal(t, "done", ev.GetString("content"))
	assert.Equal(t, s.ID, ev.TaskID)

	assert.Equal(t, 1, m.Active())
}

func TestChatUnknownSession(t *testing.T) {
	m := testManager(t, time.Minute)
	_, _, err := m.Chat("nope", orchestrator.UserMessage{Content: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSessionRemovedAfterIdleTimeout(t *testing.T) {
	m := testManager(t, 100*time.Millisecond)

	s, _, err := m.Chat("", orchestrator.UserMessage{Content: "hello"})
	require.NoError(t, err)

	ch, cancel, err := m.Subscribe(s.ID)
	require.NoError(t, err)
	defer cancel()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not idle out")
	}
	assert.Equal(t, StatusEnded, s.Status())

	// The pump closes subscriber channels after draining the bus.
	deadline := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case _, ok := <-ch:
			open = ok
		case <-deadline:
			t.Fatal("subscriber channel was not closed")
		}
	}

	require.Eventually(t, func() bool { return m.Active() == 0 },
		5*time.Second, 20*time.Millisecond)

	_, err = m.Get(s.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSubscribeOnEndedSessionYieldsClosedChannel(t *testing.T) {
	m := testManager(t, 100*time.Millisecond)
	s, _, err := m.Chat("", orchestrator.UserMessage{Content: "hello"})
	require.NoError(t, err)

	<-s.Done()
	ch, cancel := s.Subscribe()
	defer cancel()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestShutdownCancelsSessions(t *testing.T) {
	m := testManager(t, time.Hour)

	s, _, err := m.Chat("", orchestrator.UserMessage{Content: "hello"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session still running after shutdown")
	}

	_, _, err = m.Chat("", orchestrator.UserMessage{Content: "hi"})
	assert.True(t, errors.Is(err, ErrClosed))
}
