package graph

import "context"

// Node represents a processing unit in the workflow graph.
// It receives the full state S and returns a partial update U that the
// engine merges with the configured reducer.
//
// Nodes never mutate the state they receive. A failing node returns its
// error in NodeResult.Err; the engine records it on the state with
// State.WithError and lets the routers decide where to go next.
type Node[S, U any] interface {
	Run(ctx context.Context, state S) NodeResult[U]
}

// NodeResult represents the output of a node execution.
type NodeResult[U any] struct {
	// Update is the partial state produced by this node. The zero value must
	// be a no-op for the reducer.
	Update U

	// Err contains any error that occurred during node execution.
	Err error
}

// NodeFunc is a function adapter that implements the Node interface.
// It allows using plain functions as nodes without creating custom types.
//
// Example:
//
//	retrieve := NodeFunc[RunState, Update](func(ctx context.Context, s RunState) NodeResult[Update] {
//	    docs, err := retriever.Retrieve(ctx, s.Framework, s.Query)
//	    return NodeResult[Update]{Update: Update{Documents: docs}, Err: err}
//	})
type NodeFunc[S, U any] func(ctx context.Context, state S) NodeResult[U]

// Run implements the Node interface for NodeFunc.
func (f NodeFunc[S, U]) Run(ctx context.Context, state S) NodeResult[U] {
	return f(ctx, state)
}

// Result wraps an update in a successful NodeResult.
func Result[U any](u U) NodeResult[U] {
	return NodeResult[U]{Update: u}
}

// Fail wraps err in a NodeResult with a zero update.
func Fail[U any](err error) NodeResult[U] {
	return NodeResult[U]{Err: err}
}

// WriteDeclarer is implemented by nodes that declare which state fields they
// write. The engine checks the declaration against the state's field names
// when the node is added, and rejects updates touching anything else.
type WriteDeclarer interface {
	Writes() []string
}

type declaredNode[S, U any] struct {
	Node[S, U]
	writes []string
}

func (d declaredNode[S, U]) Writes() []string { return d.writes }

// Declare attaches a write declaration to node.
func Declare[S, U any](node Node[S, U], writes ...string) Node[S, U] {
	return declaredNode[S, U]{Node: node, writes: writes}
}

// RunInfo identifies the step a node is executing in. The engine places it
// on the context passed to Node.Run.
type RunInfo struct {
	ThreadID  string
	Namespace string
	Step      int
	NodeID    string

	// CheckpointID is the checkpoint the step builds on. Nodes may attach
	// pending writes to it through the store.
	CheckpointID string
}

type runInfoKey struct{}

func withRunInfo(ctx context.Context, info RunInfo) context.Context {
	return context.WithValue(ctx, runInfoKey{}, info)
}

// RunInfoFrom returns the RunInfo for the executing node, if any.
func RunInfoFrom(ctx context.Context) (RunInfo, bool) {
	info, ok := ctx.Value(runInfoKey{}).(RunInfo)
	return info, ok
}
