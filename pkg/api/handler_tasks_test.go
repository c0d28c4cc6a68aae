package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openloom/loom/pkg/models"
)

func getPath(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func TestHandleListTasks(t *testing.T) {
	s, _, st := testServer(t, time.Minute)

	rec := getPath(t, s, "/api/v1/tasks")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	require.NoError(t, st.Save(context.Background(), &models.TaskSnapshot{
		TaskID:      "t1",
		UserRequest: "collect data",
		Status:      models.TaskCompleted,
	}))

	rec = getPath(t, s, "/api/v1/tasks")
	require.Equal(t, http.StatusOK, rec.Code)
	var snaps []*models.TaskSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, "t1", snaps[0].TaskID)

	rec = getPath(t, s, "/api/v1/tasks?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetTask(t *testing.T) {
	s, _, st := testServer(t, time.Minute)

	rec := getPath(t, s, "/api/v1/tasks/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, st.Save(context.Background(), &models.TaskSnapshot{
		TaskID:      "t1",
		UserRequest: "collect data",
		Status:      models.TaskRunning,
	}))

	rec = getPath(t, s, "/api/v1/tasks/t1")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap models.TaskSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, models.TaskRunning, snap.Status)
}

func TestHandleTasksWithoutStore(t *testing.T) {
	s, _, _ := testServer(t, time.Minute)
	s.store = nil

	assert.Equal(t, http.StatusServiceUnavailable, getPath(t, s, "/api/v1/tasks").Code)
	assert.Equal(t, http.StatusServiceUnavailable, getPath(t, s, "/api/v1/tasks/t1").Code)
}

func TestHandleCancelTaskNoMatch(t *testing.T) {
	s, _, _ := testServer(t, time.Minute)

	rec := postJSON(t, s, "/api/v1/tasks/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	s, _, st := testServer(t, time.Minute)

	rec := getPath(t, s, "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Store)

	st.mu.Lock()
	st.pingErr = context.DeadlineExceeded
	st.mu.Unlock()

	rec = getPath(t, s, "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
}
