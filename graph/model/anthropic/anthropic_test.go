package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/go-cmp/cmp"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/model"
)

type fakeClient struct {
	resp   *anthropic.Message
	err    error
	params []anthropic.MessageNewParams
}

func (f *fakeClient) createMessage(_ context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	f.params = append(f.params, params)
	return f.resp, f.err
}

func TestNewChatModel(t *testing.T) {
	m := NewChatModel("key", "")
	if m.modelName != DefaultModel || m.maxTokens != defaultMaxTokens {
		t.Errorf("defaults not applied: %+v", m)
	}
}

func TestExtractSystemPrompt(t *testing.T) {
	system, rest := extractSystemPrompt([]model.Message{
		{Role: model.RoleSystem, Content: "You grade documents."},
		{Role: model.RoleUser, Content: "question"},
		{Role: model.RoleSystem, Content: "Reply in JSON."},
		{Role: model.RoleAssistant, Content: "ok"},
	})
	if system != "You grade documents.\n\nReply in JSON." {
		t.Errorf("system prompt = %q", system)
	}
	if len(rest) != 2 || rest[0].Role != model.RoleUser || rest[1].Role != model.RoleAssistant {
		t.Errorf("conversation = %+v", rest)
	}
}

func TestChatModel_Chat(t *testing.T) {
	messages := []model.Message{
		{Role: model.RoleSystem, Content: "Answer from the docs."},
		{Role: model.RoleUser, Content: "How do I mount a router?"},
	}

	t.Run("text and usage", func(t *testing.T) {
		fake := &fakeClient{resp: &anthropic.Message{
			Content: []anthropic.ContentBlockUnion{{Type: "text", Text: "Use include_router."}},
			Usage:   anthropic.Usage{InputTokens: 30, OutputTokens: 6},
		}}
		m := &ChatModel{modelName: "claude-test", client: fake}

		out, err := m.Chat(context.Background(), messages, nil)
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		want := model.ChatOut{Text: "Use include_router.", Usage: model.Usage{InputTokens: 30, OutputTokens: 6}}
		if diff := cmp.Diff(want, out); diff != "" {
			t.Errorf("ChatOut mismatch (-want +got):\n%s", diff)
		}

		p := fake.params[0]
		if len(p.System) != 1 || p.System[0].Text != "Answer from the docs." {
			t.Errorf("system = %+v", p.System)
		}
		if len(p.Messages) != 1 || p.Messages[0].Role != anthropic.MessageParamRoleUser {
			t.Errorf("messages = %+v", p.Messages)
		}
		if p.MaxTokens != defaultMaxTokens {
			t.Errorf("max tokens = %d", p.MaxTokens)
		}
	})

	t.Run("tool use", func(t *testing.T) {
		fake := &fakeClient{resp: &anthropic.Message{
			Content: []anthropic.ContentBlockUnion{{
				Type:  "tool_use",
				Name:  "web_search",
				Input: json.RawMessage(`{"query":"include_router prefix"}`),
			}},
		}}
		m := &ChatModel{modelName: "claude-test", client: fake}

		out, err := m.Chat(context.Background(), messages, []model.ToolSpec{{
			Name:   "web_search",
			Schema: map[string]interface{}{"properties": map[string]interface{}{"query": map[string]interface{}{"type": "string"}}},
		}})
		if err != nil {
			t.Fatal(err)
		}
		want := []model.ToolCall{{Name: "web_search", Input: map[string]interface{}{"query": "include_router prefix"}}}
		if diff := cmp.Diff(want, out.ToolCalls); diff != "" {
			t.Errorf("tool calls mismatch (-want +got):\n%s", diff)
		}
		if len(fake.params[0].Tools) != 1 || fake.params[0].Tools[0].OfTool == nil {
			t.Error("tool not forwarded")
		}
	})

	t.Run("system only is rejected", func(t *testing.T) {
		fake := &fakeClient{}
		m := &ChatModel{client: fake}
		if _, err := m.Chat(context.Background(), messages[:1], nil); err == nil {
			t.Error("expected error")
		}
		if len(fake.params) != 0 {
			t.Error("API called without a user message")
		}
	})

	t.Run("errors are classified", func(t *testing.T) {
		m := &ChatModel{client: &fakeClient{err: errors.New("overloaded_error")}}
		_, err := m.Chat(context.Background(), messages, nil)
		if graph.KindOf(err) != graph.KindProvider {
			t.Errorf("KindOf(%v) = %s, want provider-error", err, graph.KindOf(err))
		}

		m = &ChatModel{client: &fakeClient{err: context.DeadlineExceeded}}
		_, err = m.Chat(context.Background(), messages, nil)
		if graph.KindOf(err) != graph.KindTimeout {
			t.Errorf("KindOf(%v) = %s, want timeout", err, graph.KindOf(err))
		}
	})
}
