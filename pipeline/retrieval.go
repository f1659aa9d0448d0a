package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/huytofu/documentation-helper-agent-sub000/graph/tool"
)

const defaultTopK = 4

// HTTPRetriever queries a vector search service over HTTP.
//
// The service receives {"namespace", "query", "top_k"} and answers
// {"documents": [{"content", "metadata"}]}. Documents without a source get
// the namespace as their source.
type HTTPRetriever struct {
	Endpoint string
	APIKey   string
	TopK     int

	// Transport defaults to a fresh tool.HTTPTool.
	Transport tool.Tool
}

type retrieveRequest struct {
	Namespace string `json:"namespace"`
	Query     string `json:"query"`
	TopK      int    `json:"top_k"`
}

type retrieveResponse struct {
	Documents []Document `json:"documents"`
}

// Retrieve implements Retriever.
func (r *HTTPRetriever) Retrieve(ctx context.Context, framework, query string) ([]Document, error) {
	if r.Endpoint == "" {
		return nil, errors.New("retriever endpoint is not configured")
	}
	transport := r.Transport
	if transport == nil {
		transport = tool.NewHTTPTool()
	}
	k := r.TopK
	if k <= 0 {
		k = defaultTopK
	}

	req := tool.Request{
		Method: http.MethodPost,
		URL:    r.Endpoint,
		Body:   retrieveRequest{Namespace: framework, Query: query, TopK: k},
	}
	if r.APIKey != "" {
		req.Headers = map[string]string{"Authorization": "Bearer " + r.APIKey}
	}

	var resp retrieveResponse
	if err := tool.CallJSON(ctx, transport, req, &resp); err != nil {
		return nil, fmt.Errorf("retrieve from %s: %w", framework, err)
	}

	docs := make([]Document, 0, len(resp.Documents))
	for _, d := range resp.Documents {
		if strings.TrimSpace(d.Content) == "" {
			continue
		}
		if d.Source() == "" {
			meta := make(map[string]string, len(d.Metadata)+1)
			for k, v := range d.Metadata {
				meta[k] = v
			}
			meta["source"] = framework
			d.Metadata = meta
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// WebSearcher adapts tool.WebSearch to Searcher.
type WebSearcher struct {
	Tool       *tool.WebSearch
	MaxResults int
}

// Search implements Searcher. Each hit becomes a document sourced from its
// URL.
func (w WebSearcher) Search(ctx context.Context, query string) ([]Document, error) {
	results, err := w.Tool.Search(ctx, query, w.MaxResults)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, len(results))
	for i, r := range results {
		docs[i] = Document{
			Content:  r.Content,
			Metadata: map[string]string{"source": r.URL, "title": r.Title, "origin": "web"},
		}
	}
	return docs, nil
}
