// Package pipeline is the documentation helper workflow: language and
// framework detection, retrieval, parallel relevance grading, web search
// fallback, generation, answer grading and human review, wired onto the
// graph engine.
package pipeline

import (
	"errors"
	"fmt"
	"slices"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
)

// Language is the programming language detected for a query.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageOther      Language = "other"
	LanguageNone       Language = "none"
)

// Valid reports whether l is one of the known languages. The empty value
// means detection has not run yet and is accepted.
func (l Language) Valid() bool {
	switch l {
	case "", LanguagePython, LanguageJavaScript, LanguageOther, LanguageNone:
		return true
	}
	return false
}

// ParseLanguage normalises model output to a Language. Anything unknown is
// LanguageOther.
func ParseLanguage(s string) Language {
	switch l := Language(normalize(s)); l {
	case LanguagePython, LanguageJavaScript, LanguageNone:
		return l
	case "js", "typescript", "ts", "node":
		return LanguageJavaScript
	case "py":
		return LanguagePython
	case "":
		return LanguageNone
	default:
		return LanguageOther
	}
}

// Role is the author of a conversation message.
type Role string

const (
	RoleHuman  Role = "human"
	RoleAI     Role = "ai"
	RoleSystem Role = "system"
)

// Message is one conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Document is a retrieved or searched passage. Documents are replaced, never
// edited, once created.
type Document struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Source returns the document's source metadata.
func (d Document) Source() string {
	return d.Metadata["source"]
}

// Verdict is the outcome of grading a generation.
type Verdict string

const (
	VerdictUseful       Verdict = "useful"
	VerdictNotSupported Verdict = "not_supported"
	VerdictNotUseful    Verdict = "not_useful"
)

// GradingError records a document whose relevance could not be decided.
type GradingError struct {
	Index   int             `json:"index"`
	Source  string          `json:"source,omitempty"`
	Kind    graph.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

// RunState is the payload threaded through the workflow and persisted in
// every checkpoint.
type RunState struct {
	Query             string         `json:"query"`
	RewrittenQuery    string         `json:"rewritten_query,omitempty"`
	Language          Language       `json:"language,omitempty"`
	Framework         string         `json:"framework,omitempty"`
	Documents         []Document     `json:"documents,omitempty"`
	Messages          []Message      `json:"messages,omitempty"`
	Generation        string         `json:"generation,omitempty"`
	Verdict           Verdict        `json:"verdict,omitempty"`
	RetryCount        int            `json:"retry_count"`
	CurrentNode       string         `json:"current_node,omitempty"`
	Comments          string         `json:"comments,omitempty"`
	NeedHumanFeedback bool           `json:"need_human_feedback"`
	GradingErrors     []GradingError `json:"grading_errors,omitempty"`
	Degraded          bool           `json:"degraded,omitempty"`

	Error     string          `json:"error,omitempty"`
	ErrorKind graph.ErrorKind `json:"error_kind,omitempty"`
}

// Field names nodes declare as writes.
const (
	FieldRewrittenQuery    = "rewritten_query"
	FieldLanguage          = "language"
	FieldFramework         = "framework"
	FieldDocuments         = "documents"
	FieldMessages          = "messages"
	FieldGeneration        = "generation"
	FieldVerdict           = "verdict"
	FieldRetryCount        = "retry_count"
	FieldComments          = "comments"
	FieldNeedHumanFeedback = "need_human_feedback"
	FieldGradingErrors     = "grading_errors"
	FieldDegraded          = "degraded"
)

// FieldNames implements graph.FieldLister.
func (s RunState) FieldNames() []string {
	return []string{
		FieldRewrittenQuery, FieldLanguage, FieldFramework, FieldDocuments,
		FieldMessages, FieldGeneration, FieldVerdict, FieldRetryCount,
		FieldComments, FieldNeedHumanFeedback, FieldGradingErrors,
		FieldDegraded,
	}
}

// WithError implements graph.State.
func (s RunState) WithError(err error) RunState {
	if err == nil {
		s.Error, s.ErrorKind = "", graph.KindNone
		return s
	}
	s.Error, s.ErrorKind = err.Error(), graph.KindOf(err)
	return s
}

// WithInput records reviewer input: it becomes the comments for the next
// generation and a human message in the conversation.
func (s RunState) WithInput(input string) RunState {
	s.Comments = input
	s.Messages = append(slices.Clone(s.Messages), Message{Role: RoleHuman, Content: input})
	return s
}

// WithCursor implements graph.State.
func (s RunState) WithCursor(nodeID string) RunState {
	s.CurrentNode = nodeID
	return s
}

// Validate implements graph.Validator.
func (s RunState) Validate() error {
	var errs []error
	if s.Query == "" {
		errs = append(errs, errors.New("query is empty"))
	}
	if !s.Language.Valid() {
		errs = append(errs, fmt.Errorf("unknown language %q", s.Language))
	}
	if s.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("retry count %d is negative", s.RetryCount))
	}
	for i, m := range s.Messages {
		switch m.Role {
		case RoleHuman, RoleAI, RoleSystem:
		default:
			errs = append(errs, fmt.Errorf("message %d has unknown role %q", i, m.Role))
		}
	}
	return errors.Join(errs...)
}

// SearchQuery is the rewritten query when there is one.
func (s RunState) SearchQuery() string {
	if s.RewrittenQuery != "" {
		return s.RewrittenQuery
	}
	return s.Query
}

// Update is a partial RunState. Nil fields are left alone by Reduce; set
// fields replace the previous value.
type Update struct {
	RewrittenQuery    *string
	Language          *Language
	Framework         *string
	Documents         *[]Document
	Messages          *[]Message
	Generation        *string
	Verdict           *Verdict
	RetryCount        *int
	Comments          *string
	NeedHumanFeedback *bool
	GradingErrors     *[]GradingError
	Degraded          *bool
}

// Fields implements graph.FieldSetter.
func (u Update) Fields() []string {
	var fields []string
	add := func(set bool, name string) {
		if set {
			fields = append(fields, name)
		}
	}
	add(u.RewrittenQuery != nil, FieldRewrittenQuery)
	add(u.Language != nil, FieldLanguage)
	add(u.Framework != nil, FieldFramework)
	add(u.Documents != nil, FieldDocuments)
	add(u.Messages != nil, FieldMessages)
	add(u.Generation != nil, FieldGeneration)
	add(u.Verdict != nil, FieldVerdict)
	add(u.RetryCount != nil, FieldRetryCount)
	add(u.Comments != nil, FieldComments)
	add(u.NeedHumanFeedback != nil, FieldNeedHumanFeedback)
	add(u.GradingErrors != nil, FieldGradingErrors)
	add(u.Degraded != nil, FieldDegraded)
	return fields
}

// Reduce merges u into prev by field-level override. RetryCount only ever
// moves forward within a run.
func Reduce(prev RunState, u Update) RunState {
	next := prev
	if u.RewrittenQuery != nil {
		next.RewrittenQuery = *u.RewrittenQuery
	}
	if u.Language != nil {
		next.Language = *u.Language
	}
	if u.Framework != nil {
		next.Framework = *u.Framework
	}
	if u.Documents != nil {
		next.Documents = slices.Clone(*u.Documents)
	}
	if u.Messages != nil {
		next.Messages = slices.Clone(*u.Messages)
	}
	if u.Generation != nil {
		next.Generation = *u.Generation
	}
	if u.Verdict != nil {
		next.Verdict = *u.Verdict
	}
	if u.RetryCount != nil && *u.RetryCount > next.RetryCount {
		next.RetryCount = *u.RetryCount
	}
	if u.Comments != nil {
		next.Comments = *u.Comments
	}
	if u.NeedHumanFeedback != nil {
		next.NeedHumanFeedback = *u.NeedHumanFeedback
	}
	if u.GradingErrors != nil {
		next.GradingErrors = slices.Clone(*u.GradingErrors)
	}
	if u.Degraded != nil {
		next.Degraded = *u.Degraded
	}
	return next
}

// TrimMessages keeps the last n messages. It runs before every checkpoint
// so persisted conversations stay bounded.
func TrimMessages(n int) func(RunState) RunState {
	return func(s RunState) RunState {
		if n <= 0 || len(s.Messages) <= n {
			return s
		}
		s.Messages = slices.Clone(s.Messages[len(s.Messages)-n:])
		return s
	}
}

func ptr[T any](v T) *T {
	return &v
}

// appendMessage returns the conversation with m appended, leaving s alone.
func appendMessage(s RunState, m Message) *[]Message {
	msgs := append(slices.Clone(s.Messages), m)
	return &msgs
}
