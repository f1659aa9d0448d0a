package pipeline

import (
	"context"
	"regexp"
	"strings"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
)

// Routers return the name of the next node. Every router sends a state
// carrying an error to end_misery.

func routeQuestion(_ context.Context, s RunState) string {
	switch {
	case s.Error != "":
		return NodeEndMisery
	case s.Framework == "":
		return NodeWebSearch
	default:
		return NodeRetrieve
	}
}

// decideToGenerate sends a grading step that kept nothing to web search.
func (w *Workflow) decideToGenerate(_ context.Context, s RunState) string {
	switch {
	case s.Error != "":
		return NodeEndMisery
	case len(s.Documents) == 0:
		return NodeWebSearch
	default:
		return w.toGenerate(s)
	}
}

func (w *Workflow) afterSearch(_ context.Context, s RunState) string {
	if s.Error != "" {
		return NodeEndMisery
	}
	return w.toGenerate(s)
}

// toGenerate refuses to enter generate with the retry budget already spent.
func (w *Workflow) toGenerate(s RunState) string {
	if s.RetryCount > w.maxRetries() || (s.Generation != "" && s.RetryCount >= w.maxRetries()) {
		return NodeEndMisery
	}
	return NodeGenerate
}

// routeGeneration acts on the generation verdict. A not_supported answer is
// regenerated from the same documents; a not_useful one goes back through
// query rewriting and web search. Either retry is only taken while
// RetryCount < MaxRetries.
func (w *Workflow) routeGeneration(_ context.Context, s RunState) string {
	if s.Error != "" {
		return NodeEndMisery
	}
	switch s.Verdict {
	case VerdictUseful:
		if s.NeedHumanFeedback {
			return NodeHumanFeedback
		}
		return NodeFinalize
	case VerdictNotSupported:
		if s.RetryCount < w.maxRetries() {
			return NodeGenerate
		}
	case VerdictNotUseful:
		if s.RetryCount < w.maxRetries() {
			return NodeTransformQuery
		}
	}
	return NodeEndMisery
}

func afterFeedback(_ context.Context, s RunState) string {
	switch {
	case s.Error != "":
		return NodeEndMisery
	case Approved(s.Comments):
		return NodeFinalize
	default:
		return NodeRegenerate
	}
}

// proceed routes to next unless the state carries an error.
func proceed(next string) graph.Router[RunState] {
	return func(_ context.Context, s RunState) string {
		if s.Error != "" {
			return NodeEndMisery
		}
		return next
	}
}

var approvals = map[string]bool{
	"looks good": true,
	"look good":  true,
	"lgtm":       true,
	"approve":    true,
	"approved":   true,
	"yes":        true,
	"ok":         true,
	"okay":       true,
	"good":       true,
	"great":      true,
	"perfect":    true,
	"ship it":    true,
	"thanks":     true,
	"thank you":  true,
}

// Approved reports whether reviewer input accepts the draft as is. Every
// clause of the comment must be an approval phrase, so "looks good, ship
// it" approves while "looks good but fix the import" asks for a change.
func Approved(comment string) bool {
	c := normalize(comment)
	if c == "" {
		return false
	}
	for _, clause := range clauseSep.Split(c, -1) {
		if !approvals[strings.TrimSpace(clause)] {
			return false
		}
	}
	return true
}

var clauseSep = regexp.MustCompile(`[,;]+|\s+and\s+`)

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".!? ")
	return strings.Join(strings.Fields(s), " ")
}
