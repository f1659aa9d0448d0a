// Package emit carries the engine's observability side channel: after every
// step the engine emits an Event describing what ran, where the run goes
// next, and which checkpoint recorded it.
package emit

// Event messages emitted by the engine.
const (
	MsgRunStart   = "run_start"
	MsgNodeEnd    = "node_end"
	MsgNodeError  = "node_error"
	MsgInterrupt  = "interrupt"
	MsgResume     = "resume"
	MsgDegraded   = "degraded"
	MsgRunEnd     = "run_end"
	MsgStoreError = "store_error"
)

// Event represents an observability event emitted during workflow execution.
type Event struct {
	// RunID identifies the run as "<thread>/<namespace>".
	RunID string

	// Step is the step number recorded in the checkpoint. Zero for
	// run-level events.
	Step int

	// NodeID identifies which node the event concerns. Empty for run-level
	// events.
	NodeID string

	// Msg is one of the Msg* constants.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "checkpoint_id": checkpoint written for the step
	//   - "next": node the run continues with
	//   - "status": run status after the step
	//   - "duration_ms": node execution time in milliseconds
	//   - "error": error text, which marks the event as a failure
	Meta map[string]interface{}
}

// Err returns the "error" meta value, if any.
func (e Event) Err() string {
	if e.Meta == nil {
		return ""
	}
	s, _ := e.Meta["error"].(string)
	return s
}
