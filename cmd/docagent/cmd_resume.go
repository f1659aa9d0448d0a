package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <feedback>",
	Short: "Answer a paused review and continue the run",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	id, err := a.runID(true)
	if err != nil {
		return err
	}
	outcome, err := a.engine.Resume(cmd.Context(), id, strings.Join(args, " "))
	if errors.Is(err, graph.ErrNotInterrupted) {
		return fmt.Errorf("thread %s has no pending review", id.ThreadID)
	}
	return report(cmd.OutOrStdout(), id, outcome, err)
}
