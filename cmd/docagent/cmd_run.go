package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
	"github.com/huytofu/documentation-helper-agent-sub000/pipeline"
)

var runFlags struct {
	humanFeedback bool
}

var runCmd = &cobra.Command{
	Use:   "run <question>",
	Short: "Answer a question in a new or existing thread",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runFlags.humanFeedback, "human-feedback", false, "Pause for review before finalizing the answer")
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	id, err := a.runID(false)
	if err != nil {
		return err
	}
	query := strings.Join(args, " ")
	outcome, err := a.engine.Run(cmd.Context(), id, pipeline.NewRunState(query, runFlags.humanFeedback))
	if errors.Is(err, graph.ErrAwaitingInput) {
		return fmt.Errorf("thread %s is waiting for review; use 'docagent resume --thread=%s <feedback>'", id.ThreadID, id.ThreadID)
	}
	return report(cmd.OutOrStdout(), id, outcome, err)
}

// report prints the outcome and passes err through. A failed run still
// carries the degraded answer for the user, so it is printed before the
// error.
func report(out io.Writer, id graph.RunID, o graph.Outcome[pipeline.RunState], err error) error {
	if err != nil && o.Status != graph.StatusFailed {
		return err
	}
	printOutcome(out, id, o)
	return err
}

func printOutcome(out io.Writer, id graph.RunID, o graph.Outcome[pipeline.RunState]) {
	fmt.Fprintf(out, "Thread:     %s\n", id.ThreadID)
	fmt.Fprintf(out, "Namespace:  %s\n", id.Namespace)
	fmt.Fprintf(out, "Status:     %s\n", o.Status)
	fmt.Fprintf(out, "Checkpoint: %s\n", o.CheckpointID)
	if fw := o.State.Framework; fw != "" {
		fmt.Fprintf(out, "Framework:  %s\n", fw)
	}
	if o.State.RetryCount > 0 {
		fmt.Fprintf(out, "Retries:    %d\n", o.State.RetryCount)
	}

	switch o.Status {
	case graph.StatusAwaitingInput:
		fmt.Fprintf(out, "\nDraft answer:\n%s\n", o.State.Generation)
		fmt.Fprintf(out, "\nReply with 'docagent resume --thread=%s <feedback>' (\"looks good\" approves).\n", id.ThreadID)
		return
	case graph.StatusFailed:
		fmt.Fprintf(out, "Error:      %s\n", o.State.Error)
		if answer := lastAnswer(o.State); answer != "" {
			fmt.Fprintf(out, "\n%s\n", answer)
		}
		return
	}
	if answer := lastAnswer(o.State); answer != "" {
		fmt.Fprintf(out, "\n%s\n", answer)
	}
	if sources := sourcesOf(o.State.Documents); len(sources) > 0 && !o.State.Degraded {
		fmt.Fprintf(out, "\nSources:\n")
		for _, s := range sources {
			fmt.Fprintf(out, "  - %s\n", s)
		}
	}
}

func lastAnswer(s pipeline.RunState) string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == pipeline.RoleAI {
			return s.Messages[i].Content
		}
	}
	return s.Generation
}

func sourcesOf(docs []pipeline.Document) []string {
	seen := make(map[string]bool, len(docs))
	var out []string
	for _, d := range docs {
		src := d.Source()
		if src == "" || seen[src] {
			continue
		}
		seen[src] = true
		out = append(out, src)
	}
	return out
}
