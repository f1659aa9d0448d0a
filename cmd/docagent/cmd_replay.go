package main

import (
	"github.com/spf13/cobra"
)

var replayFlags struct {
	checkpointID string
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Fork a thread from an earlier checkpoint and run it again",
	Long: "replay restores the state saved at --checkpoint and drives the\n" +
		"workflow from the node that followed it. The new checkpoints extend\n" +
		"the thread; the original ones are kept.",
	Args: cobra.NoArgs,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayFlags.checkpointID, "checkpoint", "", "Checkpoint ID to fork from (required)")
	_ = replayCmd.MarkFlagRequired("checkpoint")
}

func runReplay(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	id, err := a.runID(true)
	if err != nil {
		return err
	}
	outcome, err := a.engine.ResumeFrom(cmd.Context(), id, replayFlags.checkpointID)
	return report(cmd.OutOrStdout(), id, outcome, err)
}
