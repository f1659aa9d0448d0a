package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, grouped by
// run. Tests use it to assert on the sequence of steps a run took, and the
// CLI uses it to print a trace after a run.
//
// Events are kept until Clear is called, so long-lived processes should
// clear runs they no longer need.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events
}

// HistoryFilter selects events. Empty fields match everything; set fields
// are combined with AND.
type HistoryFilter struct {
	NodeID  string
	Msg     string
	MinStep *int
	MaxStep *int
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// History returns a copy of the events for runID in emission order.
func (b *BufferedEmitter) History(runID string) []Event {
	return b.HistoryWithFilter(runID, HistoryFilter{})
}

// HistoryWithFilter returns the events for runID matching filter.
func (b *BufferedEmitter) HistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[runID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

// Nodes returns the node IDs of node_end events for runID, in order. This is
// the path the run took through the graph.
func (b *BufferedEmitter) Nodes(runID string) []string {
	var out []string
	for _, e := range b.HistoryWithFilter(runID, HistoryFilter{Msg: MsgNodeEnd}) {
		out = append(out, e.NodeID)
	}
	return out
}

func (f HistoryFilter) matches(event Event) bool {
	if f.NodeID != "" && event.NodeID != f.NodeID {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.MinStep != nil && event.Step < *f.MinStep {
		return false
	}
	if f.MaxStep != nil && event.Step > *f.MaxStep {
		return false
	}
	return true
}

// Clear removes the events for runID, or every event when runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}
