package builtin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openloom/loom/pkg/bus"
)

func TestShellExecRunsInWorkspace(t *testing.T) {
	dir := t.TempDir()
	sh := ShellExec(dir)

	res, err := sh.Execute(context.Background(), "c1", map[string]any{"command": "pwd"})
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, dir, strings.TrimSpace(res.Text()))
}

func TestShellExecCapturesStderrAndFailure(t *testing.T) {
	sh := ShellExec(t.TempDir())

	res, err := sh.Execute(context.Background(), "c1",
		map[string]any{"command": "echo oops >&2; exit 3"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text(), "command failed")
	assert.Contains(t, res.Text(), "oops")
}

func TestShellExecTimeout(t *testing.T) {
	sh := ShellExec(t.TempDir())

	start := time.Now()
	res, err := sh.Execute(context.Background(), "c1",
		map[string]any{"command": "sleep 5", "timeout_seconds": float64(1)})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text(), "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestShellExecEmptyOutput(t *testing.T) {
	sh := ShellExec(t.TempDir())

	res, err := sh.Execute(context.Background(), "c1", map[string]any{"command": "true"})
	require.NoError(t, err)
	assert.Equal(t, "(no output)", res.Text())
}

func TestShellExecTruncatesOutput(t *testing.T) {
	sh := ShellExec(t.TempDir())

	res, err := sh.Execute(context.Background(), "c1",
		map[string]any{"command": "head -c 60000 /dev/zero | tr '\\0' 'a'"})
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, res.Text(), "output truncated")
	assert.Less(t, len(res.Text()), 51_000)
}

func TestWebSearchUnconfigured(t *testing.T) {
	ws := WebSearch(SearchConfig{})

	res, err := ws.Execute(context.Background(), "c1", map[string]any{"query": "go"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text(), "not configured")
}

func TestWebSearchFormatsResults(t *testing.T) {
	var gotAuth string
	var gotReq searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(searchResponse{Results: []searchResult{
			{Title: "Go", URL: "https://go.dev", Content: "The Go programming language."},
		}})
	}))
	defer srv.Close()

	ws := WebSearch(SearchConfig{BaseURL: srv.URL, APIKey: "sk-test"})
	res, err := ws.Execute(context.Background(), "c1",
		map[string]any{"query": "golang", "max_results": float64(3)})
	require.NoError(t, err)
	require.False(t, res.IsError)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, searchRequest{Query: "golang", MaxResults: 3}, gotReq)
	assert.Contains(t, res.Text(), "1. Go")
	assert.Contains(t, res.Text(), "https://go.dev")
}

func TestWebSearchEndpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ws := WebSearch(SearchConfig{BaseURL: srv.URL})
	res, err := ws.Execute(context.Background(), "c1", map[string]any{"query": "x"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text(), "502")
}

type fakeGateway struct {
	answer string
}

func (g *fakeGateway) AwaitHuman(ctx context.Context) (string, error) {
	return g.answer, nil
}

func TestAskHumanEmitsAndWaits(t *testing.T) {
	b := bus.NewBus("t1")
	defer b.Close()

	ask := AskHuman(&fakeGateway{answer: "use the blue one"}, b)
	res, err := ask.Execute(context.Background(), "c1",
		map[string]any{"question": "which variant?"})
	require.NoError(t, err)
	assert.Equal(t, "use the blue one", res.Text())

	ev := b.Next(time.Second)
	require.NotNil(t, ev)
	assert.Equal(t, bus.ActionAsk, ev.Action)
	assert.Equal(t, "which variant?", ev.GetString("question"))
}

func TestAskHumanRequiresQuestion(t *testing.T) {
	b := bus.NewBus("t1")
	defer b.Close()

	ask := AskHuman(&fakeGateway{}, b)
	res, err := ask.Execute(context.Background(), "c1", map[string]any{})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

type fakeSink struct {
	paths []string
}

func (s *fakeSink) AddAttachment(path string) { s.paths = append(s.paths, path) }

func TestAttachFileRecordsWorkspacePath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.md"), []byte("hi"), 0o644))

	sink := &fakeSink{}
	att := AttachFile(sink, dir)

	res, err := att.Execute(context.Background(), "c1", map[string]any{"path": "report.md"})
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, []string{filepath.Join(dir, "report.md")}, sink.paths)
}

func TestAttachFileRejectsEscapes(t *testing.T) {
	sink := &fakeSink{}
	att := AttachFile(sink, t.TempDir())

	res, err := att.Execute(context.Background(), "c1",
		map[string]any{"path": "../../etc/passwd"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text(), "outside the workspace")
	assert.Empty(t, sink.paths)
}

func TestAttachFileMissing(t *testing.T) {
	att := AttachFile(&fakeSink{}, t.TempDir())

	res, err := att.Execute(context.Background(), "c1", map[string]any{"path": "nope.txt"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text(), "file not found")
}
