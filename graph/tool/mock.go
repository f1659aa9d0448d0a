package tool

import (
	"context"
	"sync"
)

// MockTool is a Tool for tests.
//
// Respond, when set, computes each reply from the input. Otherwise
// Responses are returned in order with the last one repeated, and Err, when
// set, fails every call. Calls records every input. Safe for concurrent use.
type MockTool struct {
	ToolName string

	Responses []map[string]interface{}
	Respond   func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
	Err       error

	Calls []MockToolCall

	mu        sync.Mutex
	callIndex int
}

// MockToolCall records one invocation.
type MockToolCall struct {
	Input map[string]interface{}
}

// Name returns ToolName.
func (m *MockTool) Name() string {
	return m.ToolName
}

// Call implements Tool.
func (m *MockTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.Calls = append(m.Calls, MockToolCall{Input: input})
	respond := m.Respond
	if respond == nil {
		defer m.mu.Unlock()
		return m.next()
	}
	m.mu.Unlock()
	return respond(ctx, input)
}

// next must be called with mu held.
func (m *MockTool) next() (map[string]interface{}, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]interface{}{}, nil
	}
	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears recorded calls and rewinds the responses.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of calls so far.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
