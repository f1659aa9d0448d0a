package pipeline

import (
	"context"
)

// Detection is the routing decision for a query.
type Detection struct {
	Language Language

	// Framework is the knowledge-base namespace to retrieve from, or empty
	// when the query should go straight to web search.
	Framework string
}

// Detector classifies a query's language and documentation framework.
type Detector interface {
	Detect(ctx context.Context, query string) (Detection, error)
}

// Retriever returns candidate documents from a framework's knowledge base.
type Retriever interface {
	Retrieve(ctx context.Context, framework, query string) ([]Document, error)
}

// Grader decides whether one document is relevant to the query.
type Grader interface {
	Grade(ctx context.Context, query, content string) (bool, error)
}

// Searcher is the web search fallback.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Document, error)
}

// Rewriter rephrases a query for web search.
type Rewriter interface {
	Rewrite(ctx context.Context, query string) (string, error)
}

// GenerateRequest is everything a generation sees.
type GenerateRequest struct {
	Query     string
	Language  Language
	Documents []Document
	History   []Message

	// Previous and Comments are set when regenerating after review.
	Previous string
	Comments string
}

// Generator writes an answer from the graded documents.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// AnswerGrader checks a generation against its sources and the question.
type AnswerGrader interface {
	// Grounded reports whether the generation is supported by docs.
	Grounded(ctx context.Context, docs []Document, generation string) (bool, error)

	// Answers reports whether the generation resolves the question.
	Answers(ctx context.Context, query, generation string) (bool, error)
}
