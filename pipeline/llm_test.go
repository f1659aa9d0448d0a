package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/model"
)

func TestLLM_Detect(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  Detection
	}{
		{
			name:  "known framework",
			reply: `{"language": "python", "framework": "FastAPI"}`,
			want:  Detection{Language: LanguagePython, Framework: "fastapi"},
		},
		{
			name:  "fenced reply",
			reply: "```json\n{\"language\": \"TypeScript\", \"framework\": \"nextjs\"}\n```",
			want:  Detection{Language: LanguageJavaScript, Framework: "nextjs"},
		},
		{
			name:  "unknown framework",
			reply: `{"language": "python", "framework": "django"}`,
			want:  Detection{Language: LanguagePython},
		},
		{
			name:  "general question",
			reply: `{"language": "none", "framework": ""}`,
			want:  Detection{Language: LanguageNone},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &model.MockChatModel{Responses: []model.ChatOut{{Text: tt.reply}}}
			l := &LLM{Model: m, Frameworks: []string{"fastapi", "nextjs"}}

			got, err := l.Detect(context.Background(), "how do I add a route?")
			if err != nil {
				t.Fatalf("Detect() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Detect() mismatch (-want +got):\n%s", diff)
			}
			prompt := m.Calls[0].Messages[0].Content
			if !strings.Contains(prompt, "fastapi, nextjs") {
				t.Errorf("system prompt does not list the frameworks: %q", prompt)
			}
		})
	}
}

func TestLLM_Grade(t *testing.T) {
	tests := []struct {
		reply    string
		want     bool
		wantKind graph.ErrorKind
	}{
		{reply: `{"binary_score": "yes"}`, want: true},
		{reply: `{"binary_score": "No"}`, want: false},
		{reply: `{"binary_score": true}`, want: true},
		{reply: `{"score": "yes"}`, wantKind: graph.KindParse},
		{reply: `{"binary_score": "maybe"}`, wantKind: graph.KindParse},
		{reply: `yes`, wantKind: graph.KindParse},
		{reply: ``, wantKind: graph.KindParse},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			l := &LLM{Model: &model.MockChatModel{Responses: []model.ChatOut{{Text: tt.reply}}}}
			got, err := l.Grade(context.Background(), "q", "doc")
			if kind := graph.KindOf(err); kind != tt.wantKind {
				t.Fatalf("Grade() error = %v, want kind %q", err, tt.wantKind)
			}
			if err == nil && got != tt.want {
				t.Errorf("Grade() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLLM_ProviderErrors(t *testing.T) {
	l := &LLM{Model: &model.MockChatModel{Err: errors.New("connection reset")}}

	if _, err := l.Grade(context.Background(), "q", "doc"); graph.KindOf(err) != graph.KindProvider {
		t.Errorf("Grade() error kind = %q, want provider", graph.KindOf(err))
	}
	if _, err := l.Rewrite(context.Background(), "q"); graph.KindOf(err) != graph.KindProvider {
		t.Errorf("Rewrite() error kind = %q, want provider", graph.KindOf(err))
	}
	if _, err := l.Generate(context.Background(), GenerateRequest{Query: "q"}); !graph.IsRetryable(err) {
		t.Errorf("Generate() error = %v, want a retryable error", err)
	}
}

func TestLLM_Rewrite(t *testing.T) {
	l := &LLM{Model: &model.MockChatModel{Responses: []model.ChatOut{{Text: "\"fastapi dependency injection\"\n"}}}}
	got, err := l.Rewrite(context.Background(), "how do deps work")
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	if got != "fastapi dependency injection" {
		t.Errorf("Rewrite() = %q", got)
	}

	empty := &LLM{Model: &model.MockChatModel{Responses: []model.ChatOut{{Text: "  "}}}}
	if _, err := empty.Rewrite(context.Background(), "q"); graph.KindOf(err) != graph.KindParse {
		t.Errorf("Rewrite() of an empty reply error = %v, want parse", err)
	}
}

func TestLLM_Generate(t *testing.T) {
	m := &model.MockChatModel{Responses: []model.ChatOut{{Text: "Use APIRouter.include_router."}}}
	l := &LLM{Model: m, MaxDocuments: 1}

	got, err := l.Generate(context.Background(), GenerateRequest{
		Query:     "How do I mount a router?",
		Language:  LanguagePython,
		Documents: []Document{doc("kb/1", "include_router mounts a router."), doc("kb/2", "dropped")},
		History:   []Message{{Role: RoleHuman, Content: "earlier"}, {Role: RoleAI, Content: "earlier answer"}, {Role: RoleSystem, Content: "skipped"}},
		Previous:  "draft",
		Comments:  "add an example",
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != "Use APIRouter.include_router." {
		t.Errorf("Generate() = %q", got)
	}

	msgs := m.Calls[0].Messages
	roles := make([]string, len(msgs))
	for i, msg := range msgs {
		roles[i] = msg.Role
	}
	wantRoles := []string{model.RoleSystem, model.RoleUser, model.RoleAssistant, model.RoleUser}
	if diff := cmp.Diff(wantRoles, roles); diff != "" {
		t.Errorf("roles mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(msgs[0].Content, "python") {
		t.Errorf("system prompt does not name the language: %q", msgs[0].Content)
	}

	prompt := msgs[len(msgs)-1].Content
	for _, want := range []string{"[1] kb/1", "How do I mount a router?", "draft", "add an example"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "dropped") {
		t.Errorf("prompt includes a document past MaxDocuments:\n%s", prompt)
	}
}

func TestLLM_Grounded(t *testing.T) {
	m := &model.MockChatModel{Responses: []model.ChatOut{{Text: `{"binary_score": "yes"}`}}}
	l := &LLM{Model: m}
	ok, err := l.Grounded(context.Background(), nil, "answer")
	if err != nil || !ok {
		t.Fatalf("Grounded() = %v, %v; want true", ok, err)
	}
	if prompt := m.Calls[0].Messages[1].Content; !strings.Contains(prompt, "(no documents)") {
		t.Errorf("prompt = %q, want the empty context marker", prompt)
	}
}
