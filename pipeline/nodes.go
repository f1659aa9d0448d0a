package pipeline

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
)

// Node names.
const (
	NodeDetect          = "detect"
	NodeRetrieve        = "retrieve"
	NodeGradeDocuments  = "grade_documents"
	NodeWebSearch       = "web_search"
	NodeTransformQuery  = "transform_query"
	NodeGenerate        = "generate"
	NodeGradeGeneration = "grade_generation"
	NodeHumanFeedback   = "human_feedback"
	NodeRegenerate      = "regenerate"
	NodeFinalize        = "finalize"
	NodeEndMisery       = "end_misery"
)

const (
	defaultMaxRetries    = 3
	defaultMessageWindow = 20
)

// Workflow holds the collaborators and limits of the documentation helper
// graph. Build wires it onto an engine.
//
// Every collaborator call goes through graph.Call with the Call policy.
// When a call is exhausted the node falls back to a fixed default:
//   - detect: no language, no framework (the query goes to web search)
//   - retrieve: no documents
//   - grade_documents: the document is dropped (see Coordinator)
//   - transform_query: the original query
//   - grade_generation: not_supported when grounding fails, not_useful when
//     the answer check fails
//
// Failures of generate, regenerate and web_search (with nothing retrieved)
// are recorded on the state and routed to end_misery.
type Workflow struct {
	Detector     Detector
	Retriever    Retriever
	Searcher     Searcher
	Rewriter     Rewriter
	Generator    Generator
	AnswerGrader AnswerGrader
	Coordinator  *Coordinator

	// Call is the timeout and retry policy for collaborator calls.
	Call graph.CallPolicy

	// MaxRetries bounds regenerations after a failed answer grade.
	// Defaults to 3.
	MaxRetries int

	// MessageWindow is how many messages each checkpoint keeps. Defaults
	// to 20.
	MessageWindow int

	// NodeTimeout bounds each generation node.
	NodeTimeout time.Duration

	Metrics *graph.PrometheusMetrics
	Logger  *slog.Logger
}

// NewRunState is the initial state for a question.
func NewRunState(query string, needHumanFeedback bool) RunState {
	return RunState{
		Query:             query,
		Messages:          []Message{{Role: RoleHuman, Content: query}},
		NeedHumanFeedback: needHumanFeedback,
	}
}

func (w *Workflow) maxRetries() int {
	if w.MaxRetries > 0 {
		return w.MaxRetries
	}
	return defaultMaxRetries
}

func (w *Workflow) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// policy is w.Call with retries counted under op.
func (w *Workflow) policy(op string) graph.CallPolicy {
	p := w.Call
	onRetry := p.Retry.OnRetry
	p.Retry.OnRetry = func(attempt int, err error) {
		w.Metrics.IncRetries(op, string(graph.KindOf(err)))
		w.logger().Debug("retrying call", "op", op, "attempt", attempt, "error", err)
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}
	return p
}

func (w *Workflow) detect(ctx context.Context, s RunState) graph.NodeResult[Update] {
	fallback := Detection{Language: LanguageNone}
	d := fallback
	if w.Detector != nil {
		var err error
		d, err = graph.CallOr(ctx, w.policy(NodeDetect), fallback, func(ctx context.Context) (Detection, error) {
			return w.Detector.Detect(ctx, s.Query)
		})
		if err != nil {
			w.logger().Warn("detection failed, using web search", "kind", string(graph.KindOf(err)), "error", err)
		}
	}
	if !d.Language.Valid() || d.Language == "" {
		d.Language = LanguageNone
	}
	return graph.Result(Update{Language: &d.Language, Framework: &d.Framework})
}

func (w *Workflow) retrieve(ctx context.Context, s RunState) graph.NodeResult[Update] {
	var docs []Document
	if w.Retriever != nil && s.Framework != "" {
		var err error
		var none []Document
		docs, err = graph.CallOr(ctx, w.policy(NodeRetrieve), none, func(ctx context.Context) ([]Document, error) {
			return w.Retriever.Retrieve(ctx, s.Framework, s.Query)
		})
		if err != nil {
			w.logger().Warn("retrieval failed", "framework", s.Framework, "kind", string(graph.KindOf(err)), "error", err)
		}
	}
	return graph.Result(Update{Documents: &docs})
}

func (w *Workflow) gradeDocuments(ctx context.Context, s RunState) graph.NodeResult[Update] {
	relevant, errs := w.Coordinator.GradeAll(ctx, s.SearchQuery(), s.Documents)
	return graph.Result(Update{Documents: &relevant, GradingErrors: &errs})
}

func (w *Workflow) webSearch(ctx context.Context, s RunState) graph.NodeResult[Update] {
	if w.Searcher == nil {
		return graph.Result(Update{})
	}
	found, err := graph.Call(ctx, w.policy(NodeWebSearch), func(ctx context.Context) ([]Document, error) {
		return w.Searcher.Search(ctx, s.SearchQuery())
	})
	if err != nil {
		if len(s.Documents) == 0 {
			return graph.Fail[Update](err)
		}
		w.logger().Warn("web search failed, keeping graded documents", "kind", string(graph.KindOf(err)), "error", err)
		return graph.Result(Update{})
	}

	docs := slices.Clone(s.Documents)
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		seen[d.Source()] = true
	}
	for _, d := range found {
		if src := d.Source(); src != "" && seen[src] {
			continue
		}
		seen[d.Source()] = true
		docs = append(docs, d)
	}
	return graph.Result(Update{Documents: &docs})
}

func (w *Workflow) transformQuery(ctx context.Context, s RunState) graph.NodeResult[Update] {
	rewritten := s.Query
	if w.Rewriter != nil {
		var err error
		rewritten, err = graph.CallOr(ctx, w.policy(NodeTransformQuery), s.Query, func(ctx context.Context) (string, error) {
			return w.Rewriter.Rewrite(ctx, s.Query)
		})
		if err != nil {
			w.logger().Warn("query rewrite failed, keeping the original", "error", err)
		}
		if rewritten == "" {
			rewritten = s.Query
		}
	}
	return graph.Result(Update{RewrittenQuery: &rewritten})
}

// generate writes an answer. Every generation after the first counts as a
// retry.
func (w *Workflow) generate(ctx context.Context, s RunState) graph.NodeResult[Update] {
	retries := s.RetryCount
	if s.Generation != "" {
		retries++
	}
	req := GenerateRequest{
		Query:     s.Query,
		Language:  s.Language,
		Documents: s.Documents,
		History:   history(s),
	}
	text, err := graph.Call(ctx, w.policy(NodeGenerate), func(ctx context.Context) (string, error) {
		return w.Generator.Generate(ctx, req)
	})
	if err != nil {
		return graph.NodeResult[Update]{Update: Update{RetryCount: &retries}, Err: err}
	}
	var cleared Verdict
	return graph.Result(Update{Generation: &text, RetryCount: &retries, Verdict: &cleared})
}

func (w *Workflow) gradeGeneration(ctx context.Context, s RunState) graph.NodeResult[Update] {
	verdict := VerdictNotSupported
	grounded, err := graph.CallOr(ctx, w.policy("grade_grounded"), false, func(ctx context.Context) (bool, error) {
		return w.AnswerGrader.Grounded(ctx, s.Documents, s.Generation)
	})
	if err != nil {
		w.logger().Warn("grounding check failed", "kind", string(graph.KindOf(err)), "error", err)
	}
	if grounded {
		verdict = VerdictNotUseful
		answers, err := graph.CallOr(ctx, w.policy("grade_answer"), false, func(ctx context.Context) (bool, error) {
			return w.AnswerGrader.Answers(ctx, s.Query, s.Generation)
		})
		if err != nil {
			w.logger().Warn("answer check failed", "kind", string(graph.KindOf(err)), "error", err)
		}
		if answers {
			verdict = VerdictUseful
		}
	}
	w.Metrics.RecordGrading("generation_" + string(verdict))
	return graph.Result(Update{Verdict: &verdict})
}

// humanFeedback presents the draft for review. The engine suspends the run
// after it.
func (w *Workflow) humanFeedback(_ context.Context, s RunState) graph.NodeResult[Update] {
	return graph.Result(Update{Messages: appendMessage(s, Message{Role: RoleAI, Content: s.Generation})})
}

func (w *Workflow) regenerate(ctx context.Context, s RunState) graph.NodeResult[Update] {
	req := GenerateRequest{
		Query:     s.Query,
		Language:  s.Language,
		Documents: s.Documents,
		History:   history(s),
		Previous:  s.Generation,
		Comments:  s.Comments,
	}
	text, err := graph.Call(ctx, w.policy(NodeRegenerate), func(ctx context.Context) (string, error) {
		return w.Generator.Generate(ctx, req)
	})
	if err != nil {
		return graph.Fail[Update](err)
	}
	return graph.Result(Update{Generation: &text})
}

// finalize delivers the answer unless review already presented it.
func (w *Workflow) finalize(_ context.Context, s RunState) graph.NodeResult[Update] {
	for _, m := range s.Messages {
		if m.Role == RoleAI && m.Content == s.Generation {
			return graph.Result(Update{})
		}
	}
	return graph.Result(Update{Messages: appendMessage(s, Message{Role: RoleAI, Content: s.Generation})})
}

// endMisery is the degraded terminal: it always answers, acknowledging the
// failure.
func (w *Workflow) endMisery(_ context.Context, s RunState) graph.NodeResult[Update] {
	degraded := true
	msg := Message{Role: RoleAI, Content: "Sorry, I could not produce a reliable answer: " + miseryReason(s) + "."}
	return graph.Result(Update{Messages: appendMessage(s, msg), Degraded: &degraded})
}

func miseryReason(s RunState) string {
	switch s.ErrorKind {
	case graph.KindIterationLimit:
		return "the question needed too many attempts"
	case graph.KindTimeout:
		return "the request took too long"
	case graph.KindProvider:
		return "an upstream service is unavailable"
	case graph.KindStore:
		return "progress could not be saved"
	case graph.KindValidation:
		return "the request reached an invalid state"
	}
	switch s.Verdict {
	case VerdictNotSupported:
		return "I could not find an answer grounded in the documentation"
	case VerdictNotUseful:
		return "I could not find an answer that addresses your question"
	}
	return "something went wrong"
}

// history is the conversation without the pending question.
func history(s RunState) []Message {
	msgs := s.Messages
	if n := len(msgs); n > 0 && msgs[n-1].Role == RoleHuman && msgs[n-1].Content == s.Query {
		msgs = msgs[:n-1]
	}
	return msgs
}
