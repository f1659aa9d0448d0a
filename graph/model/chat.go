// Package model provides LLM integration adapters.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
)

// ChatModel defines the interface for LLM chat providers.
//
// Implementations convert the provider-neutral Message list to the
// provider's wire format and back, and respect context cancellation.
// Retries are not the adapter's concern: callers wrap Chat with
// graph.Call so timeouts and backoff are applied in one place.
//
// Example:
//
//	m := openai.NewChatModel(apiKey, "gpt-4o-mini")
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleSystem, Content: "Answer from the documents only."},
//	    {Role: model.RoleUser, Content: question},
//	}, nil)
type ChatModel interface {
	// Chat sends messages to the LLM and returns the response. tools may be
	// nil.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is a single message in an LLM conversation.
type Message struct {
	// Role identifies the message sender. Use the Role* constants.
	Role string

	// Content contains the message text.
	Content string
}

// Standard role constants for LLM conversations.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool that an LLM can call. Schema follows JSON
// Schema and may be nil for tools without parameters.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ChatOut is the output of one chat completion.
type ChatOut struct {
	// Text contains the generated response. May be empty if the model only
	// requested tool calls.
	Text string

	// ToolCalls contains tools the model wants to invoke.
	ToolCalls []ToolCall

	// Usage reports token consumption when the provider returns it.
	Usage Usage
}

// ToolCall is a request from the model to invoke a tool.
type ToolCall struct {
	Name  string
	Input map[string]interface{}
}

// Usage is the token accounting of one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ChatJSON sends messages and decodes the model's reply as JSON into out.
//
// Provider failures are returned wrapping graph.ErrProvider unless they
// already carry a kind (a timeout stays a timeout). Replies that are not a
// JSON object matching out wrap graph.ErrParse. A reply wrapped in a
// markdown code fence is accepted.
func ChatJSON(ctx context.Context, m ChatModel, messages []Message, out any) (Usage, error) {
	resp, err := m.Chat(ctx, messages, nil)
	if err != nil {
		if graph.KindOf(err) == graph.KindUnknown {
			err = fmt.Errorf("%w: %w", graph.ErrProvider, err)
		}
		return Usage{}, err
	}

	body := stripFence(resp.Text)
	if body == "" {
		return resp.Usage, fmt.Errorf("%w: empty reply", graph.ErrParse)
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return resp.Usage, fmt.Errorf("%w: %w", graph.ErrParse, err)
	}
	return resp.Usage, nil
}

// DecodeArguments parses a provider's JSON-encoded tool arguments. Malformed
// input is kept under the "raw" key rather than dropped.
func DecodeArguments(args string) map[string]interface{} {
	if strings.TrimSpace(args) == "" {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(args), &out); err != nil {
		return map[string]interface{}{"raw": args}
	}
	return out
}

// stripFence removes a surrounding ``` or ```json fence and any prose before
// the first brace.
func stripFence(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if i := strings.IndexByte(s, '{'); i > 0 {
		s = s[i:]
	}
	return strings.TrimSpace(s)
}
