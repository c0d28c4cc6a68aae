package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/openloom/loom/pkg/version"
)

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Store          string `json:"store"`
	ActiveSessions int    `json:"active_sessions"`
}

// handleHealth handles GET /api/v1/health. Degraded (but still 200) when
// the snapshot store is unreachable; the daemon can run without it.
func (s *Server) handleHealth(c *echo.Context) error {
	resp := &HealthResponse{
		Status:         "ok",
		Version:        version.Full(),
		Store:          "ok",
		ActiveSessions: s.sessions.Active(),
	}

	switch {
	case s.store == nil:
		resp.Store = "disabled"
	default:
		if err := s.store.Ping(c.Request().Context()); err != nil {
			resp.Status = "degraded"
			resp.Store = "unreachable: " + err.Error()
		}
	}

	return c.JSON(http.StatusOK, resp)
}
