package model

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
)

type verdict struct {
	BinaryScore string `json:"binary_score"`
}

func TestChatJSON(t *testing.T) {
	tests := []struct {
		name     string
		reply    ChatOut
		err      error
		want     string
		wantKind graph.ErrorKind
	}{
		{
			name:  "plain object",
			reply: ChatOut{Text: `{"binary_score": "yes"}`, Usage: Usage{InputTokens: 10, OutputTokens: 3}},
			want:  "yes",
		},
		{
			name:  "fenced",
			reply: ChatOut{Text: "```json\n{\"binary_score\": \"no\"}\n```"},
			want:  "no",
		},
		{
			name:  "leading prose",
			reply: ChatOut{Text: `Here is my verdict: {"binary_score": "yes"}`},
			want:  "yes",
		},
		{
			name:     "not json",
			reply:    ChatOut{Text: "yes, it is relevant"},
			wantKind: graph.KindParse,
		},
		{
			name:     "empty",
			reply:    ChatOut{},
			wantKind: graph.KindParse,
		},
		{
			name:     "provider failure",
			err:      errors.New("503 service unavailable"),
			wantKind: graph.KindProvider,
		},
		{
			name:     "timeout keeps its kind",
			err:      fmt.Errorf("%w after 1s", graph.ErrTimeout),
			wantKind: graph.KindTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &MockChatModel{Responses: []ChatOut{tt.reply}, Err: tt.err}
			var v verdict
			usage, err := ChatJSON(context.Background(), m, []Message{{Role: RoleUser, Content: "grade"}}, &v)

			if tt.wantKind != graph.KindNone {
				if got := graph.KindOf(err); got != tt.wantKind {
					t.Fatalf("KindOf(%v) = %s, want %s", err, got, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("ChatJSON() error = %v", err)
			}
			if v.BinaryScore != tt.want {
				t.Errorf("binary_score = %q, want %q", v.BinaryScore, tt.want)
			}
			if usage != tt.reply.Usage {
				t.Errorf("usage = %+v, want %+v", usage, tt.reply.Usage)
			}
		})
	}
}

func TestUsageTotal(t *testing.T) {
	if got := (Usage{InputTokens: 7, OutputTokens: 5}).Total(); got != 12 {
		t.Errorf("Total() = %d, want 12", got)
	}
}
