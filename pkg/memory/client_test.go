package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanTaskRoundTrip(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(PlanResult{MemoryPlan: Plan{
			Steps: []PlanStep{
				{Index: 1, Content: "open the dashboard", Source: SourcePhrase, PhraseID: "p1"},
			},
			Preferences: []string{"prefer CSV exports"},
			Coverage:    0.8,
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "mk-test")
	res, err := c.PlanTask(context.Background(), "export last month's report")
	require.NoError(t, err)

	assert.Equal(t, "/v1/memory/plan", gotPath)
	assert.Equal(t, "Bearer mk-test", gotAuth)
	assert.Equal(t, "export last month's report", gotBody["task"])
	require.Len(t, res.MemoryPlan.Steps, 1)
	assert.Equal(t, SourcePhrase, res.MemoryPlan.Steps[0].Source)
	assert.Equal(t, 0.8, res.MemoryPlan.Coverage)
}

func TestLearnPostsExecutionData(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	err := c.Learn(context.Background(), "t1", []ExecutionRecord{
		{ToolName: "browser_click", Success: true, Judgment: "effective"},
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1/memory/learn", gotPath)
	assert.Equal(t, "t1", gotBody["task_id"])
	records, ok := gotBody["execution_data"].([]any)
	require.True(t, ok)
	assert.Len(t, records, 1)
}

func TestPostErrorIncludesBodySnippet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	err := c.Add(context.Background(), "s1", []Operation{{Action: "click"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 429")
	assert.Contains(t, err.Error(), "quota exceeded")
}
