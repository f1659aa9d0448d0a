package emit

// Emitter receives and processes observability events from workflow execution.
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down workflow execution
//   - Thread-safe: May be called concurrently from multiple runs
//   - Resilient: Never panic, never fail the run
type Emitter interface {
	Emit(event Event)
}

// MultiEmitter fans each event out to several emitters in order.
type MultiEmitter []Emitter

// Emit forwards event to every non-nil emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
