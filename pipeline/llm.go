package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/model"
)

const defaultPromptDocuments = 4

// LLM implements Detector, Grader, Rewriter, Generator and AnswerGrader on
// one chat model. Structured replies are JSON; anything else is a parse
// error, which the call sites treat as final.
type LLM struct {
	Model model.ChatModel

	// Frameworks are the knowledge-base namespaces detection may pick.
	Frameworks []string

	// MaxDocuments caps the documents placed in a prompt. Defaults to 4.
	MaxDocuments int
}

const detectPrompt = `You route programming questions to documentation.
Reply with a JSON object: {"language": "python" | "javascript" | "other" | "none", "framework": "<one of: %s, or empty>"}.
Pick a framework only when the question is clearly about it.`

// Detect implements Detector.
func (l *LLM) Detect(ctx context.Context, query string) (Detection, error) {
	var reply struct {
		Language  string `json:"language"`
		Framework string `json:"framework"`
	}
	frameworks := strings.Join(l.Frameworks, ", ")
	if frameworks == "" {
		frameworks = "none available"
	}
	if _, err := model.ChatJSON(ctx, l.Model, []model.Message{
		{Role: model.RoleSystem, Content: fmt.Sprintf(detectPrompt, frameworks)},
		{Role: model.RoleUser, Content: query},
	}, &reply); err != nil {
		return Detection{}, err
	}
	return Detection{Language: ParseLanguage(reply.Language), Framework: l.matchFramework(reply.Framework)}, nil
}

func (l *LLM) matchFramework(name string) string {
	name = normalize(name)
	for _, f := range l.Frameworks {
		if normalize(f) == name {
			return f
		}
	}
	return ""
}

const gradePrompt = `You grade whether a retrieved document is relevant to a user question.
Relevant means it contains keywords or meaning related to the question.
Reply with a JSON object: {"binary_score": "yes" | "no"}.`

// Grade implements Grader.
func (l *LLM) Grade(ctx context.Context, query, content string) (bool, error) {
	return l.binary(ctx, gradePrompt, fmt.Sprintf("Document:\n%s\n\nQuestion: %s", content, query))
}

const groundedPrompt = `You check whether an answer is grounded in a set of facts.
Reply with a JSON object: {"binary_score": "yes" | "no"}. "yes" means every claim is supported by the facts.`

// Grounded implements AnswerGrader.
func (l *LLM) Grounded(ctx context.Context, docs []Document, generation string) (bool, error) {
	return l.binary(ctx, groundedPrompt, fmt.Sprintf("Facts:\n%s\n\nAnswer:\n%s", l.renderDocuments(docs), generation))
}

const answersPrompt = `You check whether an answer resolves a question.
Reply with a JSON object: {"binary_score": "yes" | "no"}.`

// Answers implements AnswerGrader.
func (l *LLM) Answers(ctx context.Context, query, generation string) (bool, error) {
	return l.binary(ctx, answersPrompt, fmt.Sprintf("Question: %s\n\nAnswer:\n%s", query, generation))
}

func (l *LLM) binary(ctx context.Context, system, user string) (bool, error) {
	var reply struct {
		Score *binaryScore `json:"binary_score"`
	}
	if _, err := model.ChatJSON(ctx, l.Model, []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: user},
	}, &reply); err != nil {
		return false, err
	}
	if reply.Score == nil {
		return false, fmt.Errorf("%w: reply has no binary_score", graph.ErrParse)
	}
	return bool(*reply.Score), nil
}

const rewritePrompt = `You rewrite questions into concise web search queries for programming documentation.
Reply with the query only.`

// Rewrite implements Rewriter.
func (l *LLM) Rewrite(ctx context.Context, query string) (string, error) {
	text, err := l.text(ctx, []model.Message{
		{Role: model.RoleSystem, Content: rewritePrompt},
		{Role: model.RoleUser, Content: query},
	})
	if err != nil {
		return "", err
	}
	return strings.Trim(text, "\"' \n"), nil
}

const generatePrompt = `You answer questions about programming documentation using only the context provided.
Answer for %s. Cite the sources you used. If the context does not contain the answer, say so.`

// Generate implements Generator.
func (l *LLM) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	lang := string(req.Language)
	if lang == "" || req.Language == LanguageNone || req.Language == LanguageOther {
		lang = "the language the question uses"
	}
	msgs := []model.Message{{Role: model.RoleSystem, Content: fmt.Sprintf(generatePrompt, lang)}}
	for _, m := range req.History {
		switch m.Role {
		case RoleHuman:
			msgs = append(msgs, model.Message{Role: model.RoleUser, Content: m.Content})
		case RoleAI:
			msgs = append(msgs, model.Message{Role: model.RoleAssistant, Content: m.Content})
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Context:\n%s\n\nQuestion: %s", l.renderDocuments(req.Documents), req.Query)
	if req.Previous != "" {
		fmt.Fprintf(&b, "\n\nYour previous answer:\n%s", req.Previous)
	}
	if req.Comments != "" {
		fmt.Fprintf(&b, "\n\nReviewer comments to address:\n%s", req.Comments)
	}
	msgs = append(msgs, model.Message{Role: model.RoleUser, Content: b.String()})
	return l.text(ctx, msgs)
}

func (l *LLM) text(ctx context.Context, msgs []model.Message) (string, error) {
	out, err := l.Model.Chat(ctx, msgs, nil)
	if err != nil {
		if graph.KindOf(err) == graph.KindUnknown {
			err = fmt.Errorf("%w: %w", graph.ErrProvider, err)
		}
		return "", err
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty reply", graph.ErrParse)
	}
	return text, nil
}

// renderDocuments renders the first MaxDocuments documents with their sources.
func (l *LLM) renderDocuments(docs []Document) string {
	n := l.MaxDocuments
	if n <= 0 {
		n = defaultPromptDocuments
	}
	if len(docs) > n {
		docs = docs[:n]
	}
	if len(docs) == 0 {
		return "(no documents)"
	}
	var b strings.Builder
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s\n%s", i+1, d.Source(), d.Content)
	}
	return b.String()
}

// binaryScore accepts "yes"/"no" strings and JSON booleans.
type binaryScore bool

func (b *binaryScore) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case bool:
		*b = binaryScore(x)
		return nil
	case string:
		switch normalize(x) {
		case "yes", "true", "relevant":
			*b = true
			return nil
		case "no", "false", "irrelevant":
			*b = false
			return nil
		}
	}
	return fmt.Errorf("binary_score %s is not yes or no", data)
}
