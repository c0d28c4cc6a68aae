package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/openloom/loom/pkg/orchestrator"
	"github.com/openloom/loom/pkg/session"
)

// maxChatContent caps a single chat message body.
const maxChatContent = 100_000

// ChatRequest is the body for POST /api/v1/chat. An empty SessionID starts
// a new session.
type ChatRequest struct {
	SessionID   string   `json:"session_id,omitempty"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
}

// ChatResponse is returned by POST /api/v1/chat. SessionID doubles as the
// task id for the event stream endpoints.
type ChatResponse struct {
	SessionID string `json:"session_id"`
	Created   bool   `json:"created"`
	Status    string `json:"status"`
}

// handleChat handles POST /api/v1/chat.
func (s *Server) handleChat(c *echo.Context) error {
	// 1. Bind and validate the body
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	if len(req.Content) > maxChatContent {
		return echo.NewHTTPError(http.StatusBadRequest, "content exceeds maximum length")
	}

	// 2. Route to the session manager
	sess, created, err := s.sessions.Chat(req.SessionID, orchestrator.UserMessage{
		Content: req.Content,
		Files:   req.Attachments,
	})
	if err != nil {
		return mapSessionError(err)
	}

	// 3. Accepted; progress arrives on the event stream
	return c.JSON(http.StatusAccepted, &ChatResponse{
		SessionID: sess.ID,
		Created:   created,
		Status:    string(sess.Status()),
	})
}

// HumanResponseRequest is the body for POST /api/v1/sessions/:id/human.
type HumanResponseRequest struct {
	Content string `json:"content"`
}

// handleHumanResponse answers a pending ask_human call in a session.
func (s *Server) handleHumanResponse(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	var req HumanResponseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}

	if err := s.sessions.HumanResponse(id, req.Content); err != nil {
		return mapSessionError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"session_id": id, "status": "delivered"})
}

// mapSessionError maps session-manager errors to HTTP error responses.
func mapSessionError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "daemon is shutting down")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
