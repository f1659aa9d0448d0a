package tool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	// DefaultSearchEndpoint is a Tavily-compatible search API.
	DefaultSearchEndpoint = "https://api.tavily.com/search"

	defaultMaxResults = 3
)

// SearchResult is one hit from the search API.
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

type searchRequest struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth,omitempty"`
}

type searchResponse struct {
	Results []SearchResult `json:"results"`
}

// WebSearch queries a Tavily-compatible search endpoint. It is the fallback
// knowledge source when retrieval finds nothing relevant.
type WebSearch struct {
	endpoint   string
	apiKey     string
	maxResults int
	http       Tool
}

// WebSearchOption configures a WebSearch.
type WebSearchOption func(*WebSearch)

// WithMaxResults sets the default number of results per query.
func WithMaxResults(n int) WebSearchOption {
	return func(w *WebSearch) { w.maxResults = n }
}

// WithTransport routes requests through t instead of a fresh HTTPTool.
func WithTransport(t Tool) WebSearchOption {
	return func(w *WebSearch) { w.http = t }
}

// NewWebSearch creates a search tool. An empty endpoint selects
// DefaultSearchEndpoint.
func NewWebSearch(endpoint, apiKey string, opts ...WebSearchOption) *WebSearch {
	if endpoint == "" {
		endpoint = DefaultSearchEndpoint
	}
	w := &WebSearch{endpoint: endpoint, apiKey: apiKey, maxResults: defaultMaxResults}
	for _, opt := range opts {
		opt(w)
	}
	if w.http == nil {
		w.http = NewHTTPTool()
	}
	if w.maxResults <= 0 {
		w.maxResults = defaultMaxResults
	}
	return w
}

// Name returns the tool identifier.
func (w *WebSearch) Name() string {
	return "web_search"
}

// Search returns up to maxResults hits for query; maxResults <= 0 uses the
// configured default. Results without content are dropped.
func (w *WebSearch) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("web search: empty query")
	}
	if maxResults <= 0 {
		maxResults = w.maxResults
	}

	req := Request{
		Method: http.MethodPost,
		URL:    w.endpoint,
		Body:   searchRequest{Query: query, MaxResults: maxResults, SearchDepth: "basic"},
	}
	if w.apiKey != "" {
		req.Headers = map[string]string{"Authorization": "Bearer " + w.apiKey}
	}

	var resp searchResponse
	if err := CallJSON(ctx, w.http, req, &resp); err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}

	results := make([]SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		if strings.TrimSpace(r.Content) == "" {
			continue
		}
		results = append(results, r)
		if len(results) == maxResults {
			break
		}
	}
	return results, nil
}

// Call implements Tool. Input: query (required), max_results (optional).
// Output: results, a list of maps with title, url and content.
func (w *WebSearch) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	query, _ := input["query"].(string)
	limit := 0
	switch v := input["max_results"].(type) {
	case int:
		limit = v
	case float64:
		limit = int(v)
	}

	results, err := w.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(results))
	for i, r := range results {
		out[i] = map[string]interface{}{"title": r.Title, "url": r.URL, "content": r.Content}
	}
	return map[string]interface{}{"results": out}, nil
}
