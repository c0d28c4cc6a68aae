package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the HTTP implementation of Service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a memory service client. apiKey may be empty for
// deployments that authenticate at the network layer.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

var _ Service = (*Client)(nil)

// PlanTask implements Service.
func (c *Client) PlanTask(ctx context.Context, task string) (*PlanResult, error) {
	var result PlanResult
	err := c.post(ctx, "/v1/memory/plan", map[string]any{"task": task}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Add implements Service.
func (c *Client) Add(ctx context.Context, sessionID string, ops []Operation) error {
	return c.post(ctx, "/v1/memory/add", map[string]any{
		"session_id": sessionID,
		"operations": ops,
	}, nil)
}

// Learn implements Service.
func (c *Client) Learn(ctx context.Context, taskID string, records []ExecutionRecord) error {
	return c.post(ctx, "/v1/memory/learn", map[string]any{
		"task_id":        taskID,
		"execution_data": records,
	}, nil)
}

// post sends a JSON request and decodes the response into out (when non-nil).
func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("memory service %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("memory service %s returned HTTP %d: %s", path, resp.StatusCode, snippet)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
