// Package tool holds the outbound HTTP collaborators of the pipeline: a
// generic request tool and the web search built on it.
package tool

import "context"

// Tool is an external capability invoked with loosely typed input, the shape
// model providers use for function calling.
//
// Call must respect ctx: the grading coordinator and the retry wrapper
// abandon calls whose context is done.
//
//	search := tool.NewWebSearch(endpoint, apiKey)
//	out, err := search.Call(ctx, map[string]interface{}{"query": "fastapi depends"})
type Tool interface {
	// Name is the identifier advertised to the model, lowercase with
	// underscores.
	Name() string

	// Call executes the tool. input may be nil for parameterless tools.
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}
