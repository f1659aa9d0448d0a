package model

import (
	"context"
	"sync"
)

// MockChatModel is a test implementation of ChatModel.
//
// Each call returns the next entry of Responses; once they are consumed the
// last one repeats. Respond, when set, takes precedence and computes the
// reply from the request, which lets a single mock serve concurrent graders
// whose call order is not deterministic.
//
//	mock := &MockChatModel{Responses: []ChatOut{{Text: `{"binary_score":"yes"}`}}}
type MockChatModel struct {
	Responses []ChatOut

	// Respond, if set, produces the reply for each call.
	Respond func(ctx context.Context, messages []Message) (ChatOut, error)

	// Err, if set, is returned instead of a response.
	Err error

	// Calls records every invocation.
	Calls []MockChatCall

	mu        sync.Mutex
	callIndex int
}

// MockChatCall records a single invocation of Chat.
type MockChatCall struct {
	Messages []Message
	Tools    []ToolSpec
}

// Chat implements ChatModel.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	m.Calls = append(m.Calls, MockChatCall{Messages: messages, Tools: tools})
	respond := m.Respond
	m.mu.Unlock()

	if respond != nil {
		return respond(ctx, messages)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears the call history and rewinds Responses.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of times Chat has been called.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Calls)
}
