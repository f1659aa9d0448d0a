package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
)

const (
	defaultPerDocTimeout = 10 * time.Second
	defaultMaxWorkers    = 4
)

// Coordinator grades documents concurrently.
//
// Every document is graded independently with its own timeout and retry
// budget, so one slow or failing document never affects the others. A
// document whose grading fails is dropped and reported as a GradingError;
// grading never fails the pipeline.
//
// Relevant documents are returned in completion order, not input order.
// Consumers take the first few documents as context and do not depend on
// their position.
type Coordinator struct {
	Grader Grader

	// PerDocTimeout bounds each grading attempt. Defaults to 10s.
	PerDocTimeout time.Duration

	// MaxWorkers bounds concurrent grader calls. Defaults to 4.
	MaxWorkers int

	// OverallTimeout bounds the whole fan-out. Defaults to
	// PerDocTimeout × MaxWorkers. When it fires, in-flight calls are
	// cancelled and every document without an outcome is reported as a
	// timeout.
	OverallTimeout time.Duration

	// Retry is applied per document. The zero value makes one attempt.
	Retry graph.RetryPolicy

	// Journal, when set, persists each verdict so a recovered run does not
	// grade the same document twice.
	Journal *GradeJournal

	Metrics *graph.PrometheusMetrics
	Logger  *slog.Logger
}

func (c *Coordinator) limits() (perDoc time.Duration, workers int, overall time.Duration) {
	perDoc = c.PerDocTimeout
	if perDoc <= 0 {
		perDoc = defaultPerDocTimeout
	}
	workers = c.MaxWorkers
	if workers <= 0 {
		workers = defaultMaxWorkers
	}
	overall = c.OverallTimeout
	if overall <= 0 {
		overall = perDoc * time.Duration(workers)
	}
	return perDoc, workers, overall
}

// GradeAll returns the relevant documents and the grading errors.
func (c *Coordinator) GradeAll(ctx context.Context, query string, docs []Document) ([]Document, []GradingError) {
	if len(docs) == 0 {
		return nil, nil
	}
	perDoc, workers, overall := c.limits()
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gctx, cancel := context.WithTimeout(ctx, overall)
	defer cancel()

	prior := c.Journal.Recorded(ctx)

	retry := c.Retry
	onRetry := retry.OnRetry
	retry.OnRetry = func(attempt int, err error) {
		c.Metrics.IncRetries("grade_document", string(graph.KindOf(err)))
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}
	policy := graph.CallPolicy{Timeout: perDoc, Retry: retry}

	var (
		mu       sync.Mutex
		done     = make([]bool, len(docs))
		relevant []Document
		errs     []GradingError
	)
	record := func(i int, ok bool, err error) {
		mu.Lock()
		defer mu.Unlock()
		done[i] = true
		if err != nil {
			kind := graph.KindOf(err)
			errs = append(errs, GradingError{Index: i, Source: docs[i].Source(), Kind: kind, Message: err.Error()})
			c.Metrics.RecordGrading(string(kind))
			return
		}
		if ok {
			relevant = append(relevant, docs[i])
			c.Metrics.RecordGrading("relevant")
		} else {
			c.Metrics.RecordGrading("irrelevant")
		}
	}

	var g errgroup.Group
	g.SetLimit(min(len(docs), workers))
	for i, doc := range docs {
		if ok, seen := prior[gradeTaskID(i, doc)]; seen {
			record(i, ok, nil)
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			ok, err := graph.Call(gctx, policy, func(ctx context.Context) (bool, error) {
				return c.Grader.Grade(ctx, query, doc.Content)
			})
			if err != nil && gctx.Err() != nil {
				// The fan-out was cut short; reported as pending below.
				return nil
			}
			if err == nil {
				c.Journal.Record(ctx, i, doc, ok)
			}
			record(i, ok, err)
			return nil
		})
	}
	_ = g.Wait()

	for i, finished := range done {
		if finished {
			continue
		}
		errs = append(errs, GradingError{
			Index:   i,
			Source:  docs[i].Source(),
			Kind:    graph.KindTimeout,
			Message: "grading did not finish before the overall timeout",
		})
		c.Metrics.RecordGrading(string(graph.KindTimeout))
	}
	if len(errs) > 0 {
		logger.Warn("document grading incomplete", "documents", len(docs), "relevant", len(relevant), "errors", len(errs))
	}
	return relevant, errs
}
