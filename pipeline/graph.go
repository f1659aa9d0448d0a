package pipeline

import (
	"errors"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/emit"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/store"
)

// Engine is the engine type the workflow runs on.
type Engine = graph.Engine[RunState, Update]

// Build wires the workflow onto a new engine over st.
//
//	detect           -> retrieve | web_search
//	retrieve         -> grade_documents
//	grade_documents  -> generate | web_search (nothing relevant)
//	web_search       -> generate
//	transform_query  -> web_search
//	generate         -> grade_generation
//	grade_generation -> finalize | human_feedback (useful)
//	                    generate (not_supported) | transform_query (not_useful)
//	human_feedback   -> finalize (approved) | regenerate, after Resume
//	regenerate       -> human_feedback
//	finalize, end_misery -> END
//
// Any node can route to end_misery, which is also the degraded node.
// generate and regenerate count against the engine's iteration guard.
func (w *Workflow) Build(st store.Store[RunState], emitter emit.Emitter, opts ...graph.Option) (*Engine, error) {
	if w.Generator == nil || w.AnswerGrader == nil {
		return nil, &graph.EngineError{Message: "workflow needs a generator and an answer grader", Code: "MISSING_COLLABORATOR"}
	}
	if w.Coordinator == nil || w.Coordinator.Grader == nil {
		return nil, &graph.EngineError{Message: "workflow needs a grading coordinator with a grader", Code: "MISSING_COLLABORATOR"}
	}

	e := graph.New(Reduce, st, emitter, opts...)

	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	add := func(id string, fn graph.NodeFunc[RunState, Update], writes ...string) {
		check(e.Add(id, graph.Declare[RunState, Update](fn, writes...)))
	}
	routes := func(targets ...string) map[string]string {
		m := make(map[string]string, len(targets))
		for _, t := range targets {
			m[t] = t
		}
		return m
	}

	add(NodeDetect, w.detect, FieldLanguage, FieldFramework)
	add(NodeRetrieve, w.retrieve, FieldDocuments)
	add(NodeGradeDocuments, w.gradeDocuments, FieldDocuments, FieldGradingErrors)
	add(NodeWebSearch, w.webSearch, FieldDocuments)
	add(NodeTransformQuery, w.transformQuery, FieldRewrittenQuery)
	add(NodeGenerate, w.generate, FieldGeneration, FieldRetryCount, FieldVerdict)
	add(NodeGradeGeneration, w.gradeGeneration, FieldVerdict)
	add(NodeHumanFeedback, w.humanFeedback, FieldMessages)
	add(NodeRegenerate, w.regenerate, FieldGeneration)
	add(NodeFinalize, w.finalize, FieldMessages)
	add(NodeEndMisery, w.endMisery, FieldMessages, FieldDegraded)

	check(e.StartAt(NodeDetect))
	check(e.Branch(NodeDetect, routeQuestion, routes(NodeRetrieve, NodeWebSearch, NodeEndMisery)))
	check(e.Branch(NodeRetrieve, proceed(NodeGradeDocuments), routes(NodeGradeDocuments, NodeEndMisery)))
	check(e.Branch(NodeGradeDocuments, w.decideToGenerate, routes(NodeWebSearch, NodeGenerate, NodeEndMisery)))
	check(e.Branch(NodeWebSearch, w.afterSearch, routes(NodeGenerate, NodeEndMisery)))
	check(e.Branch(NodeTransformQuery, proceed(NodeWebSearch), routes(NodeWebSearch, NodeEndMisery)))
	check(e.Branch(NodeGenerate, proceed(NodeGradeGeneration), routes(NodeGradeGeneration, NodeEndMisery)))
	check(e.Branch(NodeGradeGeneration, w.routeGeneration,
		routes(NodeHumanFeedback, NodeFinalize, NodeGenerate, NodeTransformQuery, NodeEndMisery)))
	check(e.Interrupt(NodeHumanFeedback))
	check(e.Branch(NodeHumanFeedback, afterFeedback, routes(NodeFinalize, NodeRegenerate, NodeEndMisery)))
	check(e.Branch(NodeRegenerate, proceed(NodeHumanFeedback), routes(NodeHumanFeedback, NodeEndMisery)))
	check(e.Connect(NodeFinalize, graph.END))
	check(e.Connect(NodeEndMisery, graph.END))
	check(e.DegradeTo(NodeEndMisery))

	check(e.SetPolicy(NodeGenerate, graph.NodePolicy{Timeout: w.NodeTimeout, Guarded: true}))
	check(e.SetPolicy(NodeRegenerate, graph.NodePolicy{Timeout: w.NodeTimeout, Guarded: true}))
	perDoc, _, overall := w.Coordinator.limits()
	check(e.SetPolicy(NodeGradeDocuments, graph.NodePolicy{Timeout: overall + perDoc}))

	window := w.MessageWindow
	if window <= 0 {
		window = defaultMessageWindow
	}
	e.BeforeCheckpoint(TrimMessages(window))

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}
