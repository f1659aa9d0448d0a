package model

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestMockChatModel(t *testing.T) {
	ctx := context.Background()
	msgs := []Message{{Role: RoleUser, Content: "hi"}}

	t.Run("responses in order then repeat", func(t *testing.T) {
		m := &MockChatModel{Responses: []ChatOut{{Text: "one"}, {Text: "two"}}}
		var got []string
		for i := 0; i < 3; i++ {
			out, err := m.Chat(ctx, msgs, nil)
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, out.Text)
		}
		if strings.Join(got, ",") != "one,two,two" {
			t.Errorf("responses = %v, want one,two,two", got)
		}
		if m.CallCount() != 3 {
			t.Errorf("CallCount() = %d, want 3", m.CallCount())
		}
	})

	t.Run("error injection", func(t *testing.T) {
		boom := errors.New("rate limited")
		m := &MockChatModel{Err: boom}
		if _, err := m.Chat(ctx, msgs, nil); !errors.Is(err, boom) {
			t.Errorf("error = %v, want %v", err, boom)
		}
		if m.CallCount() != 1 {
			t.Errorf("failed call not recorded")
		}
	})

	t.Run("respond func", func(t *testing.T) {
		m := &MockChatModel{Respond: func(_ context.Context, messages []Message) (ChatOut, error) {
			return ChatOut{Text: strings.ToUpper(messages[0].Content)}, nil
		}}
		out, err := m.Chat(ctx, msgs, nil)
		if err != nil || out.Text != "HI" {
			t.Errorf("Chat() = %q, %v; want HI", out.Text, err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		m := &MockChatModel{Responses: []ChatOut{{Text: "x"}}}
		if _, err := m.Chat(cctx, msgs, nil); !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
		if m.CallCount() != 0 {
			t.Errorf("cancelled call recorded")
		}
	})

	t.Run("reset", func(t *testing.T) {
		m := &MockChatModel{Responses: []ChatOut{{Text: "a"}, {Text: "b"}}}
		_, _ = m.Chat(ctx, msgs, nil)
		m.Reset()
		out, _ := m.Chat(ctx, msgs, nil)
		if out.Text != "a" || m.CallCount() != 1 {
			t.Errorf("after Reset got %q with %d calls", out.Text, m.CallCount())
		}
	})

	t.Run("concurrent calls", func(t *testing.T) {
		m := &MockChatModel{Responses: []ChatOut{{Text: "ok"}}}
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = m.Chat(ctx, msgs, nil)
			}()
		}
		wg.Wait()
		if m.CallCount() != 20 {
			t.Errorf("CallCount() = %d, want 20", m.CallCount())
		}
	})
}
