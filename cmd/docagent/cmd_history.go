package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/store"
	"github.com/huytofu/documentation-helper-agent-sub000/pipeline"
)

var historyFlags struct {
	limit int
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List the checkpoints of a thread, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyFlags.limit, "limit", 20, "Maximum checkpoints to list (0 for all)")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	id, err := a.runID(true)
	if err != nil {
		return err
	}
	cps, err := a.engine.History(cmd.Context(), id, historyFlags.limit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	printHistory(cmd.OutOrStdout(), id, cps)
	return nil
}

func printHistory(out io.Writer, id graph.RunID, cps []store.Checkpoint[pipeline.RunState]) {
	if len(cps) == 0 {
		fmt.Fprintf(out, "No checkpoints for thread %s in namespace %s\n", id.ThreadID, id.Namespace)
		return
	}
	fmt.Fprintf(out, "Thread %s (%s): %d checkpoints\n", id.ThreadID, id.Namespace, len(cps))
	for _, cp := range cps {
		m := cp.Metadata
		fmt.Fprintf(out, "  %-4s %-36s %-16s -> %-16s %-12s %-8s %s\n",
			m[graph.MetaStep], cp.Key.CheckpointID, m[graph.MetaNode], orDash(m[graph.MetaNext]),
			m[graph.MetaStatus], m[graph.MetaSource], cp.CreatedAt.Format(time.RFC3339))
		if e := m[graph.MetaError]; e != "" {
			fmt.Fprintf(out, "       error: %s\n", e)
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
