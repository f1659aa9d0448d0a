package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/store"
)

func sources(docs []Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Source())
	}
	sort.Strings(out)
	return out
}

func TestCoordinator_GradeAll(t *testing.T) {
	docs := []Document{doc("a", "relevant a"), doc("b", "noise b"), doc("c", "relevant c")}
	c := &Coordinator{
		Grader: graderFunc(func(_ context.Context, _, content string) (bool, error) {
			return strings.HasPrefix(content, "relevant"), nil
		}),
	}

	relevant, errs := c.GradeAll(context.Background(), "q", docs)
	if diff := cmp.Diff([]string{"a", "c"}, sources(relevant)); diff != "" {
		t.Errorf("relevant mismatch (-want +got):\n%s", diff)
	}
	if len(errs) != 0 {
		t.Errorf("errs = %v, want none", errs)
	}
}

func TestCoordinator_GradeAll_Empty(t *testing.T) {
	c := &Coordinator{Grader: gradeAll(true)}
	relevant, errs := c.GradeAll(context.Background(), "q", nil)
	if relevant != nil || errs != nil {
		t.Errorf("GradeAll(nil) = %v, %v; want nil, nil", relevant, errs)
	}
}

func TestCoordinator_SlowDocumentIsIsolated(t *testing.T) {
	const n, slow = 5, 2
	docs := make([]Document, n)
	for i := range docs {
		docs[i] = doc(fmt.Sprintf("doc-%d", i), fmt.Sprintf("content %d", i))
	}
	c := &Coordinator{
		Grader: graderFunc(func(ctx context.Context, _, content string) (bool, error) {
			if content == fmt.Sprintf("content %d", slow) {
				<-ctx.Done()
				return false, ctx.Err()
			}
			return true, nil
		}),
		PerDocTimeout:  50 * time.Millisecond,
		MaxWorkers:     3,
		OverallTimeout: 5 * time.Second,
	}

	relevant, errs := c.GradeAll(context.Background(), "q", docs)

	want := []string{"doc-0", "doc-1", "doc-3", "doc-4"}
	if diff := cmp.Diff(want, sources(relevant)); diff != "" {
		t.Errorf("relevant mismatch (-want +got):\n%s", diff)
	}
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want exactly one", errs)
	}
	if errs[0].Index != slow || errs[0].Source != "doc-2" || errs[0].Kind != graph.KindTimeout {
		t.Errorf("errs[0] = %+v, want a timeout for doc-2", errs[0])
	}
}

func TestCoordinator_OverallTimeout(t *testing.T) {
	docs := []Document{doc("a", "1"), doc("b", "2"), doc("c", "3")}
	c := &Coordinator{
		Grader: graderFunc(func(ctx context.Context, _, _ string) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		}),
		PerDocTimeout:  time.Second,
		MaxWorkers:     1,
		OverallTimeout: 50 * time.Millisecond,
	}

	start := time.Now()
	relevant, errs := c.GradeAll(context.Background(), "q", docs)
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Errorf("GradeAll took %s, want it bounded by the overall timeout", elapsed)
	}
	if len(relevant) != 0 {
		t.Errorf("relevant = %v, want none", relevant)
	}
	if len(errs) != len(docs) {
		t.Fatalf("got %d errors, want %d", len(errs), len(docs))
	}
	for _, e := range errs {
		if e.Kind != graph.KindTimeout {
			t.Errorf("error for %s has kind %q, want timeout", e.Source, e.Kind)
		}
	}
}

func TestCoordinator_Retry(t *testing.T) {
	t.Run("transient failure is retried", func(t *testing.T) {
		var calls atomic.Int32
		c := &Coordinator{
			Grader: graderFunc(func(context.Context, string, string) (bool, error) {
				if calls.Add(1) == 1 {
					return false, fmt.Errorf("%w: 503", graph.ErrProvider)
				}
				return true, nil
			}),
			Retry: graph.RetryPolicy{MaxAttempts: 3},
		}
		relevant, errs := c.GradeAll(context.Background(), "q", []Document{doc("a", "x")})
		if len(relevant) != 1 || len(errs) != 0 {
			t.Errorf("GradeAll() = %v, %v; want one relevant document", relevant, errs)
		}
		if got := calls.Load(); got != 2 {
			t.Errorf("grader calls = %d, want 2", got)
		}
	})

	t.Run("parse failure is not retried", func(t *testing.T) {
		var calls atomic.Int32
		c := &Coordinator{
			Grader: graderFunc(func(context.Context, string, string) (bool, error) {
				calls.Add(1)
				return false, fmt.Errorf("%w: no score", graph.ErrParse)
			}),
			Retry: graph.RetryPolicy{MaxAttempts: 3},
		}
		relevant, errs := c.GradeAll(context.Background(), "q", []Document{doc("a", "x")})
		if len(relevant) != 0 {
			t.Errorf("relevant = %v, want none", relevant)
		}
		if len(errs) != 1 || errs[0].Kind != graph.KindParse {
			t.Errorf("errs = %v, want one parse error", errs)
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("grader calls = %d, want 1", got)
		}
	})
}

func TestCoordinator_MaxWorkers(t *testing.T) {
	var inFlight, peak atomic.Int32
	c := &Coordinator{
		Grader: graderFunc(func(context.Context, string, string) (bool, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			return true, nil
		}),
		MaxWorkers: 2,
	}
	docs := make([]Document, 8)
	for i := range docs {
		docs[i] = doc(fmt.Sprint(i), "x")
	}

	relevant, _ := c.GradeAll(context.Background(), "q", docs)
	if len(relevant) != len(docs) {
		t.Errorf("relevant = %d, want %d", len(relevant), len(docs))
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", got)
	}
}

func TestCoordinator_ConcurrentGradeAll(t *testing.T) {
	c := &Coordinator{Grader: gradeAll(true), MaxWorkers: 2}
	docs := []Document{doc("a", "x"), doc("b", "y")}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			relevant, errs := c.GradeAll(context.Background(), "q", docs)
			if len(relevant) != 2 || len(errs) != 0 {
				t.Errorf("GradeAll() = %v, %v", relevant, errs)
			}
		}()
	}
	wg.Wait()
}

func TestGradeJournal_WithoutRunInfo(t *testing.T) {
	ctx := context.Background()
	j := &GradeJournal{Store: store.NewMemStore[RunState]()}
	j.Record(ctx, 0, doc("a", "x"), true)
	if got := j.Recorded(ctx); got != nil {
		t.Errorf("Recorded() = %v, want nil outside a run", got)
	}

	var none *GradeJournal
	none.Record(ctx, 0, doc("a", "x"), true)
	if got := none.Recorded(ctx); got != nil {
		t.Errorf("nil journal Recorded() = %v, want nil", got)
	}
}

// A run that died during grading leaves a running checkpoint whose next node
// is grade_documents. Recovering it must reuse the verdicts journaled on
// that checkpoint and only grade the rest.
func TestGradeJournal_RecoveredRunReusesVerdicts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[RunState]()
	id := graph.RunID{ThreadID: "t1", Namespace: "docs"}

	state := NewRunState("how do I mount a router?", false)
	state.Language = LanguagePython
	state.Framework = "fastapi"
	state.Documents = []Document{doc("kb/1", "journaled"), doc("kb/2", "fresh")}
	key, err := st.Put(ctx, store.Key{ThreadID: id.ThreadID, Namespace: id.Namespace}, store.Checkpoint[RunState]{
		State: state,
		Metadata: map[string]string{
			graph.MetaSource: graph.SourceLoop,
			graph.MetaStep:   "2",
			graph.MetaNode:   NodeRetrieve,
			graph.MetaNext:   NodeGradeDocuments,
			graph.MetaStatus: graph.CheckpointRunning,
		},
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	value := []byte("true")
	if err := st.PutWrites(ctx, key, []store.Write{{Channel: relevanceChannel, Value: value}}, gradeTaskID(0, state.Documents[0])); err != nil {
		t.Fatalf("PutWrites() error = %v", err)
	}

	var graded []string
	var mu sync.Mutex
	w, gen, _ := testWorkflow()
	w.Coordinator = &Coordinator{
		Grader: graderFunc(func(_ context.Context, _, content string) (bool, error) {
			mu.Lock()
			graded = append(graded, content)
			mu.Unlock()
			return true, nil
		}),
		Journal: &GradeJournal{Store: st},
	}
	e, err := w.Build(st, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	out, err := e.Run(ctx, id, NewRunState("ignored on recovery", false))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != graph.StatusCompleted {
		t.Fatalf("Status = %q, want completed", out.Status)
	}
	if diff := cmp.Diff([]string{"fresh"}, graded); diff != "" {
		t.Errorf("graded mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"kb/1", "kb/2"}, sources(gen.requests[0].Documents)); diff != "" {
		t.Errorf("generation documents mismatch (-want +got):\n%s", diff)
	}

	cp, err := st.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	var tasks []string
	for _, pw := range cp.PendingWrites {
		tasks = append(tasks, pw.TaskID)
	}
	sort.Strings(tasks)
	if diff := cmp.Diff([]string{"grade:0:kb/1", "grade:1:kb/2"}, tasks); diff != "" {
		t.Errorf("journaled tasks mismatch (-want +got):\n%s", diff)
	}
}
