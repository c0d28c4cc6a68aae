package api

import (
	"errors"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/openloom/loom/pkg/models"
	"github.com/openloom/loom/pkg/store"
)

// defaultTaskListLimit bounds GET /api/v1/tasks when no limit is given.
const defaultTaskListLimit = 50

// handleListTasks handles GET /api/v1/tasks.
func (s *Server) handleListTasks(c *echo.Context) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "snapshot store is not available")
	}

	limit := defaultTaskListLimit
	if q := c.QueryParam("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	snaps, err := s.store.List(c.Request().Context(), limit)
	if err != nil {
		return mapStoreError(err)
	}
	if snaps == nil {
		snaps = []*models.TaskSnapshot{}
	}
	return c.JSON(http.StatusOK, snaps)
}

// handleGetTask handles GET /api/v1/tasks/:id.
func (s *Server) handleGetTask(c *echo.Context) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "snapshot store is not available")
	}
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	snap, err := s.store.Get(c.Request().Context(), id)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

// handleCancelTask handles POST /api/v1/tasks/:id/cancel. The id may be a
// session id or an executor task id.
func (s *Server) handleCancelTask(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	if err := s.sessions.CancelTask(id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"task_id": id, "status": "cancelling"})
}

// mapStoreError maps snapshot store errors to HTTP error responses.
func mapStoreError(err error) *echo.HTTPError {
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
