package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openloom/loom/pkg/tool"
)

// SearchConfig points the web_search tool at its HTTP endpoint.
type SearchConfig struct {
	BaseURL string
	APIKey  string
	// Client is optional; http.DefaultClient with a 30s timeout otherwise.
	Client *http.Client
}

// searchRequest is the JSON body POSTed to the search endpoint.
type searchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

// searchResponse is the expected endpoint reply.
type searchResponse struct {
	Results []searchResult `json:"results"`
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// defaultMaxResults bounds one search reply.
const defaultMaxResults = 5

// WebSearch returns the web_search tool. An empty BaseURL yields a tool
// that reports the feature as unconfigured instead of failing the palette.
func WebSearch(cfg SearchConfig) tool.Tool {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &tool.Func{
		ToolName:        "web_search",
		ToolLabel:       "Web search",
		ToolDescription: "Search the web and return the top results with snippets.",
		ToolParameters: tool.ObjectSchema(map[string]any{
			"query": map[string]any{"type": "string"},
			"max_results": map[string]any{
				"type":        "integer",
				"description": "Optional result count (default 5).",
			},
		}, "query"),
		Run: func(ctx context.Context, toolCallID string, params map[string]any) (*tool.Result, error) {
			query := tool.StringParam(params, "query")
			if query == "" {
				return tool.ErrorResult("query is required"), nil
			}
			if cfg.BaseURL == "" {
				return tool.ErrorResult("web search is not configured"), nil
			}

			maxResults := defaultMaxResults
			if n, ok := params["max_results"].(float64); ok && n > 0 {
				maxResults = int(n)
			}

			body, err := json.Marshal(&searchRequest{Query: query, MaxResults: maxResults})
			if err != nil {
				return nil, err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			if cfg.APIKey != "" {
				req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
			}

			resp, err := client.Do(req)
			if err != nil {
				return tool.ErrorResult(fmt.Sprintf("search request failed: %v", err)), nil
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return tool.ErrorResult(fmt.Sprintf("search endpoint returned %d", resp.StatusCode)), nil
			}

			var parsed searchResponse
			if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
				return tool.ErrorResult(fmt.Sprintf("invalid search response: %v", err)), nil
			}
			if len(parsed.Results) == 0 {
				return tool.TextResult("No results."), nil
			}

			var out bytes.Buffer
			for i, r := range parsed.Results {
				fmt.Fprintf(&out, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Content)
			}
			return tool.TextResult(out.String()), nil
		},
	}
}
