package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/openloom/loom/pkg/bus"
)

// wsWriteTimeout bounds a single WebSocket write.
const wsWriteTimeout = 10 * time.Second

// wsClientMessage is the inbound protocol: {"action": "ping"} is answered
// with {"step": "pong"}; everything else is ignored.
type wsClientMessage struct {
	Action string `json:"action"`
}

// handleTaskWS handles GET /api/v1/tasks/:id/ws, mirroring the SSE stream
// over a WebSocket. Frames carry the same {"step", "data"} shape.
func (s *Server) handleTaskWS(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	events, unsubscribe, err := s.sessions.Subscribe(id)
	if err != nil {
		return mapSessionError(err)
	}
	defer unsubscribe()

	// Loopback-only daemon; origin checks add nothing here.
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// Read loop: answer pings, cancel the stream when the client goes away.
	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg wsClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Action == "ping" {
				_ = writeWS(ctx, conn, map[string]string{"step": "pong"})
			}
		}
	}()

	_ = writeWS(ctx, conn, map[string]string{"step": "connected", "task_id": id})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeWS(ctx, conn, &streamFrame{Step: ev.Action, Data: ev}); err != nil {
				return nil
			}
			heartbeat.Reset(heartbeatInterval)
			if bus.Terminal(ev.Action) {
				return nil
			}

		case <-heartbeat.C:
			frame := &streamFrame{Step: bus.ActionHeartbeat, Data: bus.New(bus.ActionHeartbeat)}
			if err := writeWS(ctx, conn, frame); err != nil {
				return nil
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// writeWS marshals v and writes it as one text frame with a write timeout.
func writeWS(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
