package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
)

const defaultMaxBodyBytes = 4 << 20

// HTTPTool makes GET and POST requests.
//
// Input:
//   - method: "GET" or "POST", defaults to "GET"
//   - url: target URL (required)
//   - headers: optional map of header values
//   - body: optional request body, a string or a map encoded as JSON
//
// Output:
//   - status_code: int
//   - headers: response headers, a string or []string per name
//   - body: response body as a string
//
// Non-2xx responses are not errors at this level; CallJSON interprets them.
type HTTPTool struct {
	client   *http.Client
	maxBytes int64
}

// HTTPOption configures an HTTPTool.
type HTTPOption func(*HTTPTool)

// WithHTTPClient replaces the default client. Timeouts should come from the
// request context rather than the client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPTool) { h.client = c }
}

// WithMaxBodyBytes caps how much of a response body is read.
func WithMaxBodyBytes(n int64) HTTPOption {
	return func(h *HTTPTool) { h.maxBytes = n }
}

// NewHTTPTool creates an HTTP tool.
func NewHTTPTool(opts ...HTTPOption) *HTTPTool {
	h := &HTTPTool{client: &http.Client{}, maxBytes: defaultMaxBodyBytes}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name returns the tool identifier.
func (h *HTTPTool) Name() string {
	return "http_request"
}

// Call executes an HTTP request with the provided parameters.
func (h *HTTPTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	urlStr, ok := input["url"].(string)
	if !ok || urlStr == "" {
		return nil, fmt.Errorf("url parameter required (string)")
	}

	method := http.MethodGet
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("unsupported HTTP method: %s (supported: GET, POST)", method)
	}

	var body io.Reader
	jsonBody := false
	switch b := input["body"].(type) {
	case string:
		if b != "" {
			body = strings.NewReader(b)
		}
	case map[string]interface{}:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode body: %w", err)
		}
		body = bytes.NewReader(raw)
		jsonBody = true
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if jsonBody {
		req.Header.Set("Content-Type", "application/json")
	}
	switch headers := input["headers"].(type) {
	case map[string]interface{}:
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	case map[string]string:
		for key, value := range headers {
			req.Header.Set(key, value)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	limit := h.maxBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(respBody)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}

	respHeaders := make(map[string]interface{}, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}, nil
}

// Request describes a JSON call made through CallJSON.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string

	// Body is encoded as JSON when non-nil.
	Body any
}

// StatusError reports a non-2xx response. Server errors and rate limiting
// unwrap to graph.ErrProvider so the retry wrapper treats them as transient.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.Code)
	}
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Code >= 500 || e.Code == http.StatusTooManyRequests {
		return graph.ErrProvider
	}
	return nil
}

// CallJSON sends req through t (normally an *HTTPTool) and decodes a 2xx
// JSON response into out. Transport failures wrap graph.ErrProvider and an
// undecodable body wraps graph.ErrParse; context errors pass through.
func CallJSON(ctx context.Context, t Tool, req Request, out any) error {
	input := map[string]interface{}{"method": req.Method, "url": req.URL}
	headers := make(map[string]interface{}, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("encoding request for %s: %w", req.URL, err)
		}
		input["body"] = string(raw)
		headers["Content-Type"] = "application/json"
	}
	if len(headers) > 0 {
		input["headers"] = headers
	}

	res, err := t.Call(ctx, input)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %w", graph.ErrProvider, err)
	}

	status, _ := res["status_code"].(int)
	body, _ := res["body"].(string)
	if status < 200 || status >= 300 {
		return &StatusError{Code: status, Body: truncate(body, 256)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("%w: decoding response from %s: %w", graph.ErrParse, req.URL, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
