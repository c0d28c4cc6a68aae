package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/openloom/loom/pkg/bus"
)

// streamFrame is the wire shape shared by the SSE and WebSocket streams:
// the event action is lifted out as "step", the full event rides in "data".
type streamFrame struct {
	Step string     `json:"step"`
	Data *bus.Event `json:"data"`
}

// handleTaskEvents handles GET /api/v1/tasks/:id/events as an SSE stream.
// The stream ends after a terminal `end` event, when the session's bus
// closes, or when the client disconnects.
func (s *Server) handleTaskEvents(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	events, unsubscribe, err := s.sessions.Subscribe(id)
	if err != nil {
		return mapSessionError(err)
	}
	defer unsubscribe()

	w := c.Response().(sseWriter)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeSSE(w, ev); err != nil {
				return nil
			}
			heartbeat.Reset(heartbeatInterval)
			if bus.Terminal(ev.Action) {
				return nil
			}

		case <-heartbeat.C:
			if err := writeSSE(w, bus.New(bus.ActionHeartbeat)); err != nil {
				return nil
			}

		case <-ctx.Done():
			return nil
		}
	}
}

type sseWriter interface {
	http.ResponseWriter
	Flush()
}

// writeSSE writes one `data: {...}\n\n` frame and flushes it.
func writeSSE(w sseWriter, ev *bus.Event) error {
	payload, err := json.Marshal(&streamFrame{Step: ev.Action, Data: ev})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	w.Flush()
	return nil
}
