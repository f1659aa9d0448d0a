package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/store"
)

func TestReduce(t *testing.T) {
	prev := RunState{
		Query:      "how do I mount a router?",
		Language:   LanguagePython,
		Documents:  []Document{doc("kb/1", "old")},
		Messages:   []Message{{Role: RoleHuman, Content: "how do I mount a router?"}},
		RetryCount: 2,
	}

	t.Run("nil fields are left alone", func(t *testing.T) {
		got := Reduce(prev, Update{})
		if diff := cmp.Diff(prev, got); diff != "" {
			t.Errorf("Reduce() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("set fields replace", func(t *testing.T) {
		docs := []Document{doc("kb/2", "new")}
		got := Reduce(prev, Update{
			Framework:  ptr("fastapi"),
			Documents:  &docs,
			Generation: ptr("answer"),
			Verdict:    ptr(VerdictUseful),
		})
		want := prev
		want.Framework = "fastapi"
		want.Documents = docs
		want.Generation = "answer"
		want.Verdict = VerdictUseful
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Reduce() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("retry count never moves back", func(t *testing.T) {
		if got := Reduce(prev, Update{RetryCount: ptr(1)}); got.RetryCount != 2 {
			t.Errorf("RetryCount = %d, want 2", got.RetryCount)
		}
		if got := Reduce(prev, Update{RetryCount: ptr(3)}); got.RetryCount != 3 {
			t.Errorf("RetryCount = %d, want 3", got.RetryCount)
		}
	})

	t.Run("slices are copied", func(t *testing.T) {
		docs := []Document{doc("kb/2", "new")}
		got := Reduce(prev, Update{Documents: &docs})
		docs[0] = doc("kb/3", "mutated")
		if got.Documents[0].Source() != "kb/2" {
			t.Errorf("Documents[0] = %q, want kb/2", got.Documents[0].Source())
		}
	})
}

func TestUpdate_FieldsAreDeclared(t *testing.T) {
	u := Update{
		RewrittenQuery:    ptr("q"),
		Language:          ptr(LanguagePython),
		Framework:         ptr("f"),
		Documents:         &[]Document{},
		Messages:          &[]Message{},
		Generation:        ptr("g"),
		Verdict:           ptr(VerdictUseful),
		RetryCount:        ptr(1),
		Comments:          ptr("c"),
		NeedHumanFeedback: ptr(true),
		GradingErrors:     &[]GradingError{},
		Degraded:          ptr(true),
	}
	names := RunState{}.FieldNames()
	fields := u.Fields()
	if len(fields) != len(names) {
		t.Errorf("Fields() has %d entries, FieldNames() has %d", len(fields), len(names))
	}
	for _, f := range fields {
		if !slices.Contains(names, f) {
			t.Errorf("field %q is not in FieldNames()", f)
		}
	}
	if got := (Update{}).Fields(); len(got) != 0 {
		t.Errorf("empty Update Fields() = %v, want none", got)
	}
}

func TestRunState_WithInput(t *testing.T) {
	s := NewRunState("q", true)
	got := s.WithInput("add an example")

	if got.Comments != "add an example" {
		t.Errorf("Comments = %q", got.Comments)
	}
	want := []Message{{Role: RoleHuman, Content: "q"}, {Role: RoleHuman, Content: "add an example"}}
	if diff := cmp.Diff(want, got.Messages); diff != "" {
		t.Errorf("Messages mismatch (-want +got):\n%s", diff)
	}
	if len(s.Messages) != 1 {
		t.Errorf("original state was modified: %d messages", len(s.Messages))
	}
}

func TestRunState_WithError(t *testing.T) {
	s := RunState{Query: "q"}.WithError(fmt.Errorf("%w: upstream 503", graph.ErrProvider))
	if s.ErrorKind != graph.KindProvider {
		t.Errorf("ErrorKind = %q, want %q", s.ErrorKind, graph.KindProvider)
	}
	if s.Error == "" {
		t.Error("Error is empty")
	}

	cleared := s.WithError(nil)
	if cleared.Error != "" || cleared.ErrorKind != graph.KindNone {
		t.Errorf("WithError(nil) = (%q, %q), want both cleared", cleared.Error, cleared.ErrorKind)
	}
}

func TestRunState_Validate(t *testing.T) {
	tests := []struct {
		name    string
		state   RunState
		wantErr bool
	}{
		{name: "valid", state: NewRunState("q", false)},
		{name: "language not yet detected", state: RunState{Query: "q", Language: ""}},
		{name: "empty query", state: RunState{}, wantErr: true},
		{name: "unknown language", state: RunState{Query: "q", Language: "cobol"}, wantErr: true},
		{name: "negative retries", state: RunState{Query: "q", RetryCount: -1}, wantErr: true},
		{name: "bad role", state: RunState{Query: "q", Messages: []Message{{Role: "robot"}}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.state.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLanguage(t *testing.T) {
	tests := map[string]Language{
		"python":      LanguagePython,
		" Python. ":   LanguagePython,
		"py":          LanguagePython,
		"JavaScript":  LanguageJavaScript,
		"typescript":  LanguageJavaScript,
		"node":        LanguageJavaScript,
		"none":        LanguageNone,
		"":            LanguageNone,
		"rust":        LanguageOther,
		"objective c": LanguageOther,
	}
	for in, want := range tests {
		if got := ParseLanguage(in); got != want {
			t.Errorf("ParseLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTrimMessages(t *testing.T) {
	s := RunState{Messages: []Message{
		{Role: RoleHuman, Content: "1"},
		{Role: RoleAI, Content: "2"},
		{Role: RoleHuman, Content: "3"},
	}}

	got := TrimMessages(2)(s)
	want := []Message{{Role: RoleAI, Content: "2"}, {Role: RoleHuman, Content: "3"}}
	if diff := cmp.Diff(want, got.Messages); diff != "" {
		t.Errorf("TrimMessages(2) mismatch (-want +got):\n%s", diff)
	}
	if got := TrimMessages(5)(s); len(got.Messages) != 3 {
		t.Errorf("TrimMessages(5) kept %d messages, want 3", len(got.Messages))
	}
	if got := TrimMessages(0)(s); len(got.Messages) != 3 {
		t.Errorf("TrimMessages(0) kept %d messages, want 3", len(got.Messages))
	}
}

func TestRunState_CheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[RunState]()
	key := store.Key{ThreadID: "t1", Namespace: "docs"}

	parent, err := st.Put(ctx, key, store.Checkpoint[RunState]{State: NewRunState("q", false)})
	if err != nil {
		t.Fatalf("Put(parent) error = %v", err)
	}

	state := RunState{
		Query:          "how do I declare a dependency?",
		RewrittenQuery: "fastapi Depends usage",
		Language:       LanguagePython,
		Framework:      "fastapi",
		Documents:      []Document{doc("kb/1", "Depends declares a dependency.")},
		Messages:       []Message{{Role: RoleHuman, Content: "how do I declare a dependency?"}, {Role: RoleAI, Content: "Use Depends."}},
		Generation:     "Use Depends.",
		Verdict:        VerdictUseful,
		RetryCount:     1,
		CurrentNode:    NodeGradeGeneration,
		GradingErrors:  []GradingError{{Index: 1, Source: "kb/2", Kind: graph.KindTimeout, Message: "slow"}},
	}
	child, err := st.Put(ctx, key, store.Checkpoint[RunState]{ParentID: parent.CheckpointID, State: state})
	if err != nil {
		t.Fatalf("Put(child) error = %v", err)
	}

	got, err := st.Get(ctx, child)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if diff := cmp.Diff(state, got.State); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
	if got.ParentID != parent.CheckpointID {
		t.Errorf("ParentID = %q, want %q", got.ParentID, parent.CheckpointID)
	}
}

func TestRunState_ValidateJoinsErrors(t *testing.T) {
	err := RunState{RetryCount: -1}.Validate()
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) != 2 {
		t.Errorf("Validate() = %v, want two joined errors", err)
	}
}
