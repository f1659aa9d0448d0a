package graph

// State is the constraint every workflow state type satisfies. The engine
// uses it to record errors, inject resume input and track the cursor without
// knowing the concrete shape of the state.
type State[S any] interface {
	// WithError returns a copy with err recorded. A nil err clears it.
	WithError(err error) S

	// WithInput returns a copy with human input from a resumed interrupt
	// folded in.
	WithInput(input string) S

	// WithCursor returns a copy naming the node that last completed.
	WithCursor(nodeID string) S
}

// Reducer merges a node's partial update into the previous state.
// It must be pure and must treat the zero U as a no-op.
type Reducer[S, U any] func(prev S, update U) S

// Validator is optionally implemented by state types. The engine calls
// Validate after every merge; a failure diverts the run to the degraded
// node.
type Validator interface {
	Validate() error
}

// FieldLister is optionally implemented by state types to name the fields
// nodes may declare as writes.
type FieldLister interface {
	FieldNames() []string
}

// FieldSetter is optionally implemented by update types to report which
// fields an update actually sets.
type FieldSetter interface {
	Fields() []string
}

func validateState[S any](s S) error {
	if v, ok := any(s).(Validator); ok {
		return v.Validate()
	}
	return nil
}
