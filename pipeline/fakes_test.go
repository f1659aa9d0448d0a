package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/emit"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/store"
)

type fakeDetector struct {
	det Detection
	err error
}

func (f fakeDetector) Detect(context.Context, string) (Detection, error) {
	return f.det, f.err
}

type fakeRetriever struct {
	docs  []Document
	err   error
	calls atomic.Int32
}

func (f *fakeRetriever) Retrieve(context.Context, string, string) ([]Document, error) {
	f.calls.Add(1)
	return f.docs, f.err
}

type graderFunc func(ctx context.Context, query, content string) (bool, error)

func (f graderFunc) Grade(ctx context.Context, query, content string) (bool, error) {
	return f(ctx, query, content)
}

func gradeAll(relevant bool) Grader {
	return graderFunc(func(context.Context, string, string) (bool, error) { return relevant, nil })
}

type fakeSearcher struct {
	docs    []Document
	err     error
	calls   atomic.Int32
	queries []string
	mu      sync.Mutex
}

func (f *fakeSearcher) Search(_ context.Context, query string) ([]Document, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	return f.docs, f.err
}

type fakeRewriter struct{}

func (fakeRewriter) Rewrite(_ context.Context, query string) (string, error) {
	return "rewritten: " + query, nil
}

// fakeGenerator answers "answer N" for the Nth call.
type fakeGenerator struct {
	err   error
	calls atomic.Int32

	mu       sync.Mutex
	requests []GenerateRequest
}

func (f *fakeGenerator) Generate(_ context.Context, req GenerateRequest) (string, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("answer %d", n), nil
}

type fakeAnswerGrader struct {
	grounded bool
	answers  bool
}

func (f fakeAnswerGrader) Grounded(context.Context, []Document, string) (bool, error) {
	return f.grounded, nil
}

func (f fakeAnswerGrader) Answers(context.Context, string, string) (bool, error) {
	return f.answers, nil
}

func doc(source, content string) Document {
	return Document{Content: content, Metadata: map[string]string{"source": source}}
}

// testWorkflow is a workflow whose collaborators all succeed: fastapi is
// detected, two documents are retrieved and graded relevant, and the answer
// passes both checks.
func testWorkflow() (*Workflow, *fakeGenerator, *fakeSearcher) {
	gen := &fakeGenerator{}
	search := &fakeSearcher{docs: []Document{doc("https://web/1", "web result")}}
	return &Workflow{
		Detector:     fakeDetector{det: Detection{Language: LanguagePython, Framework: "fastapi"}},
		Retriever:    &fakeRetriever{docs: []Document{doc("kb/1", "Depends declares a dependency."), doc("kb/2", "APIRouter mounts routes.")}},
		Searcher:     search,
		Rewriter:     fakeRewriter{},
		Generator:    gen,
		AnswerGrader: fakeAnswerGrader{grounded: true, answers: true},
		Coordinator:  &Coordinator{Grader: gradeAll(true), MaxWorkers: 2},
		MaxRetries:   3,
	}, gen, search
}

func build(t *testing.T, w *Workflow, opts ...graph.Option) (*Engine, *store.MemStore[RunState], *emit.BufferedEmitter) {
	t.Helper()
	st := store.NewMemStore[RunState]()
	em := emit.NewBufferedEmitter()
	e, err := w.Build(st, em, opts...)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return e, st, em
}
