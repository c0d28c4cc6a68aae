package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openloom/loom/pkg/bus"
	"github.com/openloom/loom/pkg/orchestrator"
)

// sseFrames parses every `data: {...}` line of an SSE body.
func sseFrames(t *testing.T, body string) []streamFrame {
	t.Helper()
	var frames []streamFrame
	for _, line := range strings.Split(body, "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var f streamFrame
		require.NoError(t, json.Unmarshal([]byte(payload), &f))
		frames = append(frames, f)
	}
	return frames
}

func TestTaskEventsSSEUnknownTask(t *testing.T) {
	s, _, _ := testServer(t, time.Minute)

	rec := getPath(t, s, "/api/v1/tasks/missing/events")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskEventsSSEStreamsUntilSessionEnds(t *testing.T) {
	s, mgr, _ := testServer(t, 200*time.Millisecond)

	sess, _, err := mgr.Chat("", orchestrator.UserMessage{Content: "hello"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+sess.ID+"/events", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.e.ServeHTTP(rec, req)
	}()

	// Keep the conversation moving so frames land after the subscription,
	// then go silent and let the idle timeout end the session.
	for i := 0; i < 3; i++ {
		time.Sleep(50 * time.Millisecond)
		sess.Post(orchestrator.UserMessage{Content: "more"})
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("SSE handler did not return after session end")
	}

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := sseFrames(t, rec.Body.String())
	require.NotEmpty(t, frames)

	var confirmed bool
	for _, f := range frames {
		if f.Step == bus.ActionWaitConfirm {
			confirmed = true
			assert.Equal(t, "done", f.Data.GetString("content"))
			assert.Equal(t, sess.ID, f.Data.TaskID)
		}
	}
	assert.True(t, confirmed, "expected at least one wait_confirm frame")
}

func TestWriteSSEFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	ev := bus.New(bus.ActionTaskStarted, "task", "collect data")
	ev.TaskID = "t1"

	require.NoError(t, writeSSE(rec, ev))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "data: "))
	assert.True(t, strings.HasSuffix(body, "\n\n"))

	frames := sseFrames(t, body)
	require.Len(t, frames, 1)
	assert.Equal(t, bus.ActionTaskStarted, frames[0].Step)
	assert.Equal(t, "collect data", frames[0].Data.GetString("task"))
}

func TestTaskWSMirrorsStream(t *testing.T) {
	s, mgr, _ := testServer(t, 300*time.Millisecond)

	sess, _, err := mgr.Chat("", orchestrator.UserMessage{Content: "hello"})
	require.NoError(t, err)

	srv := httptest.NewServer(s.e)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/tasks/" + sess.ID + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readFrame := func() map[string]json.RawMessage {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var obj map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &obj))
		return obj
	}

	// Greeting frame first.
	first := readFrame()
	assert.JSONEq(t, `"connected"`, string(first["step"]))

	// Ping is answered out of band.
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"action":"ping"}`)))

	// A posted message produces a wait_confirm frame; pong may interleave.
	sess.Post(orchestrator.UserMessage{Content: "more"})

	var sawPong, sawConfirm bool
	for !(sawPong && sawConfirm) {
		obj := readFrame()
		switch strings.Trim(string(obj["step"]), `"`) {
		case "pong":
			sawPong = true
		case bus.ActionWaitConfirm:
			sawConfirm = true
		}
	}
}
