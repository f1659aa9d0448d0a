package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/huytofu/documentation-helper-agent-sub000/graph/emit"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/store"
)

// Checkpoint metadata keys written by the engine.
const (
	MetaSource     = "source"
	MetaStep       = "step"
	MetaNode       = "node"
	MetaNext       = "next"
	MetaStatus     = "status"
	MetaIterations = "iterations"
	MetaError      = "error"
)

// Checkpoint sources.
const (
	SourceInput    = "input"
	SourceLoop     = "loop"
	SourceResume   = "resume"
	SourceError    = "error"
	SourceDegraded = "degraded"
	SourceFork     = "fork"
)

// Run statuses recorded in checkpoint metadata.
const (
	CheckpointRunning     = "running"
	CheckpointInterrupted = "interrupted"
	CheckpointCompleted   = "completed"
	CheckpointDegraded    = "degraded"
	CheckpointFailed      = "failed"
)

// RunID identifies one logical conversation: a thread and a checkpoint
// namespace within it.
type RunID struct {
	ThreadID  string
	Namespace string
}

func (r RunID) String() string {
	return r.ThreadID + "/" + r.Namespace
}

func (r RunID) key() store.Key {
	return store.Key{ThreadID: r.ThreadID, Namespace: r.Namespace}
}

// Status is how a Run, Resume or ResumeFrom call ended.
type Status string

const (
	StatusCompleted     Status = "completed"
	StatusAwaitingInput Status = "awaiting_input"
	StatusDegraded      Status = "degraded"
	StatusFailed        Status = "failed"
)

// Outcome is the result of driving a run until it stops.
//
// Status is empty when the call returned because the caller's context was
// cancelled; the last checkpoint is still "running" and a later Run
// continues from it.
type Outcome[S any] struct {
	State        S
	Terminal     bool
	Status       Status
	CheckpointID string
}

// Engine owns a workflow graph and drives runs through it, persisting a
// checkpoint after every node.
//
// S is the state type threaded through the graph and U the partial update
// nodes return. The reducer merges each update into the state.
//
// Example:
//
//	engine := graph.New(pipeline.Reduce, st, emitter, graph.WithMaxIterations(5))
//	engine.Add("retrieve", retrieve)
//	engine.Add("generate", generate)
//	engine.StartAt("retrieve")
//	engine.Connect("retrieve", "generate")
//	engine.Connect("generate", graph.END)
//
//	out, err := engine.Run(ctx, graph.RunID{ThreadID: "t1"}, pipeline.RunState{Query: q})
type Engine[S State[S], U any] struct {
	mu sync.RWMutex

	reducer  Reducer[S, U]
	nodes    map[string]Node[S, U]
	policies map[string]NodePolicy
	edges    map[string]string
	branches map[string]Branch[S]

	interrupts map[string]bool
	startNode  string
	degraded   string
	beforeCP   func(S) S

	store   store.Store[S]
	emitter emit.Emitter
	opts    Options
	optErr  error
	logger  *slog.Logger

	activeMu sync.Mutex
	active   map[RunID]struct{}
}

// New creates an Engine. The graph is validated lazily, on the first call
// to Run, Resume or ResumeFrom, so nodes and edges may be added in any
// order. An invalid option is reported the same way.
func New[S State[S], U any](reducer Reducer[S, U], st store.Store[S], emitter emit.Emitter, opts ...Option) *Engine[S, U] {
	cfg := &engineConfig{opts: defaultOptions()}
	var optErr error
	for _, opt := range opts {
		if err := opt(cfg); err != nil && optErr == nil {
			optErr = err
		}
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	logger := cfg.opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine[S, U]{
		reducer:    reducer,
		nodes:      make(map[string]Node[S, U]),
		policies:   make(map[string]NodePolicy),
		edges:      make(map[string]string),
		branches:   make(map[string]Branch[S]),
		interrupts: make(map[string]bool),
		store:      st,
		emitter:    emitter,
		opts:       cfg.opts,
		optErr:     optErr,
		logger:     logger,
		active:     make(map[RunID]struct{}),
	}
}

// Add registers a node. If the node declares its writes (see Declare) and S
// lists its fields, every declared write must name a field of S.
func (e *Engine[S, U]) Add(nodeID string, node Node[S, U]) error {
	if nodeID == "" {
		return &EngineError{Message: "node ID cannot be empty"}
	}
	if nodeID == END {
		return &EngineError{Message: "node ID is reserved: " + END, Code: "RESERVED_NODE"}
	}
	if node == nil {
		return &EngineError{Message: "node cannot be nil"}
	}
	if err := checkDeclaredWrites[S](nodeID, node); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; exists {
		return &EngineError{Message: "duplicate node ID: " + nodeID, Code: "DUPLICATE_NODE"}
	}
	e.nodes[nodeID] = node
	return nil
}

func checkDeclaredWrites[S any](nodeID string, node any) error {
	d, ok := node.(WriteDeclarer)
	if !ok {
		return nil
	}
	var zero S
	lister, ok := any(zero).(FieldLister)
	if !ok {
		return nil
	}
	known := make(map[string]bool)
	for _, f := range lister.FieldNames() {
		known[f] = true
	}
	for _, w := range d.Writes() {
		if !known[w] {
			return &EngineError{
				Message: fmt.Sprintf("node %s declares write to unknown field %q", nodeID, w),
				Code:    "UNKNOWN_FIELD",
			}
		}
	}
	return nil
}

// StartAt sets the entry node.
func (e *Engine[S, U]) StartAt(nodeID string) error {
	if nodeID == "" {
		return &EngineError{Message: "start node ID cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; !exists {
		return &EngineError{Message: "start node does not exist: " + nodeID, Code: "NODE_NOT_FOUND"}
	}
	e.startNode = nodeID
	return nil
}

// Connect adds the static edge from -> to. to may be END. Node existence is
// checked when the graph is validated.
func (e *Engine[S, U]) Connect(from, to string) error {
	if from == "" {
		return &EngineError{Message: "from node ID cannot be empty"}
	}
	if to == "" {
		return &EngineError{Message: "to node ID cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.edges[from]; dup {
		return &EngineError{Message: "node already has an edge: " + from, Code: "DUPLICATE_EDGE"}
	}
	e.edges[from] = to
	return nil
}

// Branch adds a conditional edge. After from completes, router picks a
// label and the run continues at routes[label]. A target may be END.
func (e *Engine[S, U]) Branch(from string, router Router[S], routes map[string]string) error {
	if from == "" {
		return &EngineError{Message: "from node ID cannot be empty"}
	}
	if router == nil {
		return &EngineError{Message: "router cannot be nil"}
	}
	if len(routes) == 0 {
		return &EngineError{Message: "branch needs at least one route: " + from, Code: "EMPTY_BRANCH"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.branches[from]; dup {
		return &EngineError{Message: "node already has a branch: " + from, Code: "DUPLICATE_EDGE"}
	}
	copied := make(map[string]string, len(routes))
	for label, to := range routes {
		copied[label] = to
	}
	e.branches[from] = Branch[S]{From: from, Router: router, Routes: copied}
	return nil
}

// Interrupt marks nodeID as a human-in-the-loop point. After it succeeds
// the run stops with StatusAwaitingInput; Resume injects the input and
// routes from nodeID on the updated state. A failing interrupt node routes
// on its error instead of stopping.
func (e *Engine[S, U]) Interrupt(nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interrupts[nodeID] = true
	return nil
}

// DegradeTo names the terminal node runs are diverted to when the guard
// trips, validation fails, the run times out or the store fails.
func (e *Engine[S, U]) DegradeTo(nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.degraded = nodeID
	return nil
}

// SetPolicy attaches an execution policy to a node.
func (e *Engine[S, U]) SetPolicy(nodeID string, p NodePolicy) error {
	if p.Timeout < 0 {
		return &EngineError{Message: "policy timeout must be >= 0", Code: "INVALID_POLICY"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[nodeID] = p
	return nil
}

// Guard counts entries into nodeID against Options.MaxIterations.
func (e *Engine[S, U]) Guard(nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.policies[nodeID]
	p.Guarded = true
	e.policies[nodeID] = p
	return nil
}

// BeforeCheckpoint installs a hook applied to the state before every
// checkpoint write. Its result also becomes the live state.
func (e *Engine[S, U]) BeforeCheckpoint(fn func(S) S) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.beforeCP = fn
}

// Validate checks the graph is complete and consistent.
func (e *Engine[S, U]) Validate() error {
	if e.optErr != nil {
		return e.optErr
	}
	if e.reducer == nil {
		return &EngineError{Message: "reducer is required", Code: "MISSING_REDUCER"}
	}
	if e.store == nil {
		return &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.startNode == "" {
		return &EngineError{Message: "start node not set (call StartAt before Run)", Code: "NO_START_NODE"}
	}
	exists := func(id string) bool {
		_, ok := e.nodes[id]
		return ok || id == END
	}
	for id := range e.nodes {
		_, hasEdge := e.edges[id]
		_, hasBranch := e.branches[id]
		switch {
		case hasEdge && hasBranch:
			return &EngineError{Message: "node has both an edge and a branch: " + id, Code: "AMBIGUOUS_EDGE"}
		case !hasEdge && !hasBranch:
			return &EngineError{Message: "node has no outgoing edge: " + id, Code: "NO_ROUTE"}
		}
	}
	for from, to := range e.edges {
		if !exists(from) || from == END {
			return &EngineError{Message: "edge from unknown node: " + from, Code: "NODE_NOT_FOUND"}
		}
		if !exists(to) {
			return &EngineError{Message: "edge to unknown node: " + to, Code: "NODE_NOT_FOUND"}
		}
	}
	for from, b := range e.branches {
		if !exists(from) || from == END {
			return &EngineError{Message: "branch from unknown node: " + from, Code: "NODE_NOT_FOUND"}
		}
		for label, to := range b.Routes {
			if label == "" {
				return &EngineError{Message: "empty route label on " + from, Code: "INVALID_BRANCH"}
			}
			if !exists(to) {
				return &EngineError{Message: fmt.Sprintf("route %s/%s targets unknown node %s", from, label, to), Code: "NODE_NOT_FOUND"}
			}
		}
	}
	for id := range e.interrupts {
		if _, ok := e.nodes[id]; !ok {
			return &EngineError{Message: "interrupt on unknown node: " + id, Code: "NODE_NOT_FOUND"}
		}
	}
	for id := range e.policies {
		if _, ok := e.nodes[id]; !ok {
			return &EngineError{Message: "policy on unknown node: " + id, Code: "NODE_NOT_FOUND"}
		}
	}
	if e.degraded != "" {
		if _, ok := e.nodes[e.degraded]; !ok {
			return &EngineError{Message: "degraded node does not exist: " + e.degraded, Code: "NODE_NOT_FOUND"}
		}
		if e.edges[e.degraded] != END {
			return &EngineError{Message: "degraded node must connect to END: " + e.degraded, Code: "INVALID_DEGRADED"}
		}
	}
	return nil
}

// execution is the per-call cursor over one run identity.
type execution[S any] struct {
	id       RunID
	state    S
	parentID string
	step     int
	calls    int
	guard    *Guard

	degradedRan bool
}

// Run starts or continues the run for id.
//
//   - If the latest checkpoint is still running (a previous process died
//     mid-run) the run continues from its recorded next node and initial is
//     ignored.
//   - If the latest checkpoint is an interrupt, Run returns ErrAwaitingInput;
//     use Resume.
//   - Otherwise a fresh input checkpoint holding initial is written, parented
//     to the latest checkpoint if there is one, and the run starts at the
//     entry node.
//
// Concurrent calls for the same identity fail with ErrRunInProgress, across
// engines too when the store implements store.Locker.
func (e *Engine[S, U]) Run(ctx context.Context, id RunID, initial S) (Outcome[S], error) {
	if err := e.Validate(); err != nil {
		return Outcome[S]{}, err
	}
	release, err := e.acquire(ctx, id)
	if err != nil {
		return Outcome[S]{}, err
	}
	defer release()

	ex := &execution[S]{id: id, guard: NewGuard(e.opts.MaxIterations)}

	if latest := e.latest(ctx, id); latest != nil {
		switch latest.Metadata[MetaStatus] {
		case CheckpointRunning:
			if next := latest.Metadata[MetaNext]; next != "" {
				e.restore(ex, latest)
				e.logger.Info("recovering interrupted run", "run_id", id.String(), "checkpoint_id", latest.Key.CheckpointID, "next", next)
				e.emit(ex, emit.MsgRunStart, "", map[string]interface{}{"recovered": true, "next": next})
				return e.drive(ctx, ex, next)
			}
		case CheckpointInterrupted:
			return Outcome[S]{
				State:        latest.State,
				Status:       StatusAwaitingInput,
				CheckpointID: latest.Key.CheckpointID,
			}, ErrAwaitingInput
		}
		ex.parentID = latest.Key.CheckpointID
		ex.step = metaInt(latest.Metadata, MetaStep)
	}

	ex.state = e.hook(initial)
	if _, err := e.checkpoint(ctx, ex, SourceInput, "", e.startNode, CheckpointRunning, nil); err != nil {
		return e.storeFailure(ctx, ex, "", e.startNode, err)
	}
	e.emit(ex, emit.MsgRunStart, "", map[string]interface{}{"checkpoint_id": ex.parentID, "next": e.startNode})
	return e.drive(ctx, ex, e.startNode)
}

// Resume continues an interrupted run. input is folded into the state with
// State.WithInput, a resume checkpoint is written, and the run routes from
// the interrupt node on the updated state.
func (e *Engine[S, U]) Resume(ctx context.Context, id RunID, input string) (Outcome[S], error) {
	if err := e.Validate(); err != nil {
		return Outcome[S]{}, err
	}
	release, err := e.acquire(ctx, id)
	if err != nil {
		return Outcome[S]{}, err
	}
	defer release()

	latest := e.latest(ctx, id)
	if latest == nil || latest.Metadata[MetaStatus] != CheckpointInterrupted {
		return Outcome[S]{}, ErrNotInterrupted
	}

	ex := &execution[S]{id: id}
	e.restore(ex, latest)
	node := latest.Metadata[MetaNode]
	ex.state = ex.state.WithInput(input)

	target, err := e.route(ctx, node, ex.state)
	if err != nil {
		return e.degrade(ctx, ex, err)
	}
	return e.continueAt(ctx, ex, SourceResume, node, target, emit.MsgResume)
}

// ResumeFrom forks the run from an earlier checkpoint. The fork is parented
// to checkpointID, becomes the latest checkpoint of the identity and
// continues from the next node recorded there, with any recorded error
// cleared. Forking an interrupt re-opens it for Resume; forking a terminal
// checkpoint returns its state without writing anything.
func (e *Engine[S, U]) ResumeFrom(ctx context.Context, id RunID, checkpointID string) (Outcome[S], error) {
	if err := e.Validate(); err != nil {
		return Outcome[S]{}, err
	}
	if checkpointID == "" {
		return Outcome[S]{}, &EngineError{Message: "checkpoint ID is required", Code: "CHECKPOINT_NOT_FOUND"}
	}
	release, err := e.acquire(ctx, id)
	if err != nil {
		return Outcome[S]{}, err
	}
	defer release()

	key := id.key()
	key.CheckpointID = checkpointID
	cp, err := e.store.Get(ctx, key)
	if err != nil {
		return Outcome[S]{}, &EngineError{Message: "cannot fork: " + checkpointID, Code: "CHECKPOINT_NOT_FOUND", Cause: err}
	}

	ex := &execution[S]{id: id}
	e.restore(ex, cp)
	ex.state = ex.state.WithError(nil)
	node := cp.Metadata[MetaNode]
	next := cp.Metadata[MetaNext]

	switch {
	case cp.Metadata[MetaStatus] == CheckpointInterrupted:
		if _, err := e.checkpoint(ctx, ex, SourceFork, node, "", CheckpointInterrupted, nil); err != nil {
			return e.storeFailure(ctx, ex, node, "", err)
		}
		e.emit(ex, emit.MsgInterrupt, node, map[string]interface{}{"checkpoint_id": ex.parentID, "forked_from": checkpointID})
		return Outcome[S]{State: ex.state, Status: StatusAwaitingInput, CheckpointID: ex.parentID}, nil
	case next == "":
		return Outcome[S]{State: cp.State, Terminal: true, Status: terminalStatus(cp.Metadata[MetaStatus]), CheckpointID: checkpointID}, nil
	}
	return e.continueAt(ctx, ex, SourceFork, node, next, emit.MsgRunStart)
}

// History returns the checkpoints of a run identity, newest first. limit 0
// returns everything.
func (e *Engine[S, U]) History(ctx context.Context, id RunID, limit int) ([]store.Checkpoint[S], error) {
	if e.store == nil {
		return nil, &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}
	return e.store.List(ctx, id.ThreadID, id.Namespace, store.ListOptions{Limit: limit})
}

// continueAt writes a checkpoint recording that the run goes on at target,
// then drives it there.
func (e *Engine[S, U]) continueAt(ctx context.Context, ex *execution[S], source, node, target, msg string) (Outcome[S], error) {
	ex.state = e.hook(ex.state)
	status := CheckpointRunning
	if target == END {
		status = CheckpointCompleted
	}
	next := target
	if target == END {
		next = ""
	}
	if _, err := e.checkpoint(ctx, ex, source, node, next, status, nil); err != nil {
		return e.storeFailure(ctx, ex, node, next, err)
	}
	e.emit(ex, msg, node, map[string]interface{}{"checkpoint_id": ex.parentID, "next": next})
	if target == END {
		e.emit(ex, emit.MsgRunEnd, "", map[string]interface{}{"status": string(StatusCompleted)})
		return Outcome[S]{State: ex.state, Terminal: true, Status: StatusCompleted, CheckpointID: ex.parentID}, nil
	}
	return e.drive(ctx, ex, target)
}

// drive executes nodes from next until the run completes, interrupts or is
// diverted.
func (e *Engine[S, U]) drive(ctx context.Context, ex *execution[S], next string) (Outcome[S], error) {
	runCtx := ctx
	if e.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.opts.RunTimeout)
		defer cancel()
	}

	for {
		if err := ctx.Err(); err != nil {
			return Outcome[S]{State: ex.state, CheckpointID: ex.parentID}, err
		}
		if runCtx.Err() != nil {
			return e.degrade(ctx, ex, fmt.Errorf("%w: run exceeded %s", ErrTimeout, e.opts.RunTimeout))
		}
		if e.opts.MaxSteps > 0 && ex.calls >= e.opts.MaxSteps {
			return e.degrade(ctx, ex, fmt.Errorf("%w: %d steps", ErrIterationLimit, e.opts.MaxSteps))
		}

		e.mu.RLock()
		node, ok := e.nodes[next]
		policy, hasPolicy := e.policies[next]
		interrupt := e.interrupts[next]
		e.mu.RUnlock()
		if !ok {
			return Outcome[S]{State: ex.state, CheckpointID: ex.parentID, Status: StatusFailed},
				&EngineError{Message: "node not found during execution: " + next, Code: "NODE_NOT_FOUND"}
		}

		if policy.Guarded && !ex.guard.TryAdvance() {
			e.opts.Metrics.IncGuardTrips(next)
			return e.degrade(ctx, ex, fmt.Errorf("%w: %d passes", ErrIterationLimit, ex.guard.Max()))
		}

		ex.step++
		ex.calls++
		var pp *NodePolicy
		if hasPolicy {
			pp = &policy
		}
		nctx := withRunInfo(runCtx, RunInfo{ThreadID: ex.id.ThreadID, Namespace: ex.id.Namespace, Step: ex.step, NodeID: next, CheckpointID: ex.parentID})

		start := time.Now()
		update, nodeErr := executeNode(nctx, node, next, ex.state, getNodeTimeout(pp, e.opts.DefaultNodeTimeout))
		elapsed := time.Since(start)
		e.opts.Metrics.RecordNodeLatency(next, nodeStatus(nodeErr), elapsed)

		if err := ctx.Err(); err != nil {
			return Outcome[S]{State: ex.state, CheckpointID: ex.parentID}, err
		}
		if nodeErr != nil && runCtx.Err() != nil {
			return e.degrade(ctx, ex, fmt.Errorf("%w: run exceeded %s", ErrTimeout, e.opts.RunTimeout))
		}

		state := e.reducer(ex.state, update)
		var verr error
		if nodeErr != nil {
			state = state.WithError(nodeErr)
			e.emit(ex, emit.MsgNodeError, next, map[string]interface{}{"error": nodeErr.Error(), "kind": string(KindOf(nodeErr))})
		} else {
			verr = checkWrites(node, next, update)
		}
		state = state.WithCursor(next)
		if verr == nil {
			if err := validateState(state); err != nil {
				verr = fmt.Errorf("%w: after %s: %w", ErrValidation, next, err)
			}
		}
		if verr != nil {
			ex.state = state
			return e.degrade(ctx, ex, verr)
		}

		if interrupt && nodeErr == nil {
			ex.state = e.hook(state)
			if _, err := e.checkpoint(ctx, ex, SourceLoop, next, "", CheckpointInterrupted, nil); err != nil {
				return e.storeFailure(ctx, ex, next, "", err)
			}
			e.emit(ex, emit.MsgInterrupt, next, map[string]interface{}{"checkpoint_id": ex.parentID})
			return Outcome[S]{State: ex.state, Status: StatusAwaitingInput, CheckpointID: ex.parentID}, nil
		}

		target, rerr := e.route(runCtx, next, state)
		if rerr != nil {
			ex.state = state
			return e.degrade(ctx, ex, rerr)
		}

		status := CheckpointRunning
		cursor := target
		if target == END {
			cursor = ""
			status = CheckpointCompleted
			if next == e.degraded {
				status = CheckpointDegraded
			}
		}

		ex.state = e.hook(state)
		if _, err := e.checkpoint(ctx, ex, SourceLoop, next, cursor, status, nil); err != nil {
			if ctx.Err() != nil {
				return Outcome[S]{State: ex.state, CheckpointID: ex.parentID}, ctx.Err()
			}
			return e.storeFailure(ctx, ex, next, cursor, err)
		}
		e.emit(ex, emit.MsgNodeEnd, next, map[string]interface{}{
			"checkpoint_id": ex.parentID,
			"next":          cursor,
			"duration_ms":   elapsed.Milliseconds(),
		})

		if target == END {
			out := Outcome[S]{State: ex.state, Terminal: true, Status: terminalStatus(status), CheckpointID: ex.parentID}
			e.emit(ex, emit.MsgRunEnd, "", map[string]interface{}{"status": string(out.Status)})
			return out, nil
		}
		next = target
	}
}

// degrade diverts the run to the degraded node with cause recorded in the
// state. It runs on a context detached from the run deadline so a timed out
// run still produces its degraded answer.
func (e *Engine[S, U]) degrade(ctx context.Context, ex *execution[S], cause error) (Outcome[S], error) {
	if err := ctx.Err(); err != nil {
		return Outcome[S]{State: ex.state, CheckpointID: ex.parentID}, err
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.DegradedTimeout)
	defer cancel()

	e.logger.Warn("run degraded", "run_id", ex.id.String(), "kind", string(KindOf(cause)), "error", cause)
	ex.state = ex.state.WithError(cause)
	e.emit(ex, emit.MsgDegraded, e.degraded, map[string]interface{}{"error": cause.Error(), "kind": string(KindOf(cause))})

	if e.degraded == "" {
		ex.state = e.hook(ex.state)
		if _, err := e.checkpoint(dctx, ex, SourceError, "", "", CheckpointFailed, cause); err != nil {
			return e.storeFailure(dctx, ex, "", "", err)
		}
		return Outcome[S]{State: ex.state, Terminal: true, Status: StatusFailed, CheckpointID: ex.parentID}, cause
	}

	ex.state = e.runDegraded(dctx, ex)
	ex.state = e.hook(ex.state)
	if _, err := e.checkpoint(dctx, ex, SourceDegraded, e.degraded, "", CheckpointDegraded, cause); err != nil {
		return e.storeFailure(dctx, ex, e.degraded, "", err)
	}
	e.emit(ex, emit.MsgRunEnd, "", map[string]interface{}{"status": string(StatusDegraded)})
	return Outcome[S]{State: ex.state, Terminal: true, Status: StatusDegraded, CheckpointID: ex.parentID}, nil
}

// runDegraded executes the degraded node and merges its update. A failure of
// the degraded node itself keeps the state it was given.
func (e *Engine[S, U]) runDegraded(ctx context.Context, ex *execution[S]) S {
	e.mu.RLock()
	node := e.nodes[e.degraded]
	e.mu.RUnlock()

	ex.step++
	ex.degradedRan = true
	nctx := withRunInfo(ctx, RunInfo{ThreadID: ex.id.ThreadID, Namespace: ex.id.Namespace, Step: ex.step, NodeID: e.degraded, CheckpointID: ex.parentID})
	update, err := executeNode(nctx, node, e.degraded, ex.state, e.opts.DegradedTimeout)
	if err != nil {
		e.logger.Error("degraded node failed", "run_id", ex.id.String(), "error", err)
		return ex.state.WithCursor(e.degraded)
	}
	return e.reducer(ex.state, update).WithCursor(e.degraded)
}

// storeFailure handles a checkpoint write that could not be persisted. The
// run is aborted: an error checkpoint is attempted so the failure can be
// inspected, the degraded node runs in memory so the caller still gets a
// user-facing answer, and the store error is returned.
func (e *Engine[S, U]) storeFailure(ctx context.Context, ex *execution[S], node, next string, cause error) (Outcome[S], error) {
	err := fmt.Errorf("%w: %w", ErrStore, cause)
	e.logger.Error("checkpoint write failed", "run_id", ex.id.String(), "node", node, "error", cause)
	e.opts.Metrics.IncCheckpointFailures()
	e.emit(ex, emit.MsgStoreError, node, map[string]interface{}{"error": err.Error(), "next": next})

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.DegradedTimeout)
	defer cancel()

	ex.state = ex.state.WithError(err)
	cpID := ""
	if key, perr := e.store.Put(dctx, ex.id.key(), store.Checkpoint[S]{
		ParentID: ex.parentID,
		State:    ex.state,
		Metadata: e.metadata(ex, SourceError, node, next, CheckpointFailed, err),
	}); perr != nil {
		e.logger.Error("error checkpoint write failed", "run_id", ex.id.String(), "error", perr)
	} else {
		cpID = key.CheckpointID
	}

	if e.degraded != "" && !ex.degradedRan {
		ex.state = e.runDegraded(dctx, ex)
	}
	e.emit(ex, emit.MsgRunEnd, "", map[string]interface{}{"status": string(StatusFailed), "error": err.Error()})
	return Outcome[S]{State: ex.state, Terminal: true, Status: StatusFailed, CheckpointID: cpID}, err
}

// route resolves the node after from on state.
func (e *Engine[S, U]) route(ctx context.Context, from string, state S) (string, error) {
	e.mu.RLock()
	to, hasEdge := e.edges[from]
	b, hasBranch := e.branches[from]
	e.mu.RUnlock()

	switch {
	case hasEdge:
		return to, nil
	case hasBranch:
		label := b.Router(ctx, state)
		target, ok := b.Routes[label]
		if !ok {
			return "", fmt.Errorf("%w: node %s routed to undeclared label %q", ErrValidation, from, label)
		}
		return target, nil
	default:
		return "", &EngineError{Message: "no route from node: " + from, Code: "NO_ROUTE"}
	}
}

// checkWrites rejects updates that set fields the node did not declare.
func checkWrites[U any](node any, nodeID string, update U) error {
	d, ok := node.(WriteDeclarer)
	if !ok {
		return nil
	}
	setter, ok := any(update).(FieldSetter)
	if !ok {
		return nil
	}
	allowed := make(map[string]bool)
	for _, w := range d.Writes() {
		allowed[w] = true
	}
	for _, f := range setter.Fields() {
		if !allowed[f] {
			return fmt.Errorf("%w: node %s wrote undeclared field %q", ErrValidation, nodeID, f)
		}
	}
	return nil
}

func (e *Engine[S, U]) hook(s S) S {
	e.mu.RLock()
	fn := e.beforeCP
	e.mu.RUnlock()
	if fn == nil {
		return s
	}
	return fn(s)
}

// checkpoint persists ex.state as the child of the previous checkpoint.
func (e *Engine[S, U]) checkpoint(ctx context.Context, ex *execution[S], source, node, next, status string, cause error) (string, error) {
	key, err := e.store.Put(ctx, ex.id.key(), store.Checkpoint[S]{
		ParentID: ex.parentID,
		State:    ex.state,
		Metadata: e.metadata(ex, source, node, next, status, cause),
	})
	if err != nil {
		return "", err
	}
	ex.parentID = key.CheckpointID
	e.opts.Metrics.IncCheckpoints(source)
	return key.CheckpointID, nil
}

func (e *Engine[S, U]) metadata(ex *execution[S], source, node, next, status string, cause error) map[string]string {
	iterations := 0
	if ex.guard != nil {
		iterations = ex.guard.Count()
	}
	meta := map[string]string{
		MetaSource:     source,
		MetaStep:       strconv.Itoa(ex.step),
		MetaNode:       node,
		MetaNext:       next,
		MetaStatus:     status,
		MetaIterations: strconv.Itoa(iterations),
	}
	if cause != nil {
		meta[MetaError] = cause.Error()
	}
	return meta
}

// restore positions ex on checkpoint cp.
func (e *Engine[S, U]) restore(ex *execution[S], cp *store.Checkpoint[S]) {
	ex.state = cp.State
	ex.parentID = cp.Key.CheckpointID
	ex.step = metaInt(cp.Metadata, MetaStep)
	ex.guard = newGuardAt(e.opts.MaxIterations, metaInt(cp.Metadata, MetaIterations))
}

// latest loads the newest checkpoint for id. Read failures other than
// not-found are logged and treated as "no checkpoint": a fresh run is safer
// than a stuck one.
func (e *Engine[S, U]) latest(ctx context.Context, id RunID) *store.Checkpoint[S] {
	cp, err := e.store.Get(ctx, id.key())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("checkpoint read failed, starting fresh", "run_id", id.String(), "error", err)
		}
		return nil
	}
	return cp
}

// acquire claims exclusive execution of id for this call.
func (e *Engine[S, U]) acquire(ctx context.Context, id RunID) (func(), error) {
	e.activeMu.Lock()
	if _, busy := e.active[id]; busy {
		e.activeMu.Unlock()
		return nil, ErrRunInProgress
	}
	e.active[id] = struct{}{}
	e.activeMu.Unlock()

	local := func() {
		e.activeMu.Lock()
		delete(e.active, id)
		e.activeMu.Unlock()
	}

	var unlock func(context.Context) error
	if locker, ok := e.store.(store.Locker); ok {
		u, err := locker.Lock(ctx, id.ThreadID, id.Namespace, e.opts.LockTTL)
		if err != nil {
			local()
			if errors.Is(err, store.ErrLocked) {
				return nil, ErrRunInProgress
			}
			return nil, fmt.Errorf("%w: acquiring run lock: %w", ErrStore, err)
		}
		unlock = u
	}

	e.opts.Metrics.RunStarted()
	return func() {
		e.opts.Metrics.RunFinished()
		if unlock != nil {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				e.logger.Warn("run lock release failed", "run_id", id.String(), "error", err)
			}
		}
		local()
	}, nil
}

func (e *Engine[S, U]) emit(ex *execution[S], msg, nodeID string, meta map[string]interface{}) {
	e.emitter.Emit(emit.Event{
		RunID:  ex.id.String(),
		Step:   ex.step,
		NodeID: nodeID,
		Msg:    msg,
		Meta:   meta,
	})
}

func terminalStatus(cpStatus string) Status {
	switch cpStatus {
	case CheckpointDegraded:
		return StatusDegraded
	case CheckpointFailed:
		return StatusFailed
	default:
		return StatusCompleted
	}
}

func nodeStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case KindOf(err) == KindTimeout:
		return "timeout"
	default:
		return "error"
	}
}

func metaInt(meta map[string]string, key string) int {
	n, err := strconv.Atoi(meta[key])
	if err != nil {
		return 0
	}
	return n
}
