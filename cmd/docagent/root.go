// docagent answers programming documentation questions through a
// checkpointed retrieval workflow.
//
// Usage:
//
//	docagent run "how do I mount a router in fastapi?" [--thread=<id>] [--human-feedback]
//	docagent resume --thread=<id> "looks good"
//	docagent history --thread=<id> [--limit=20]
//	docagent replay --thread=<id> --checkpoint=<id>
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath  string
	threadID    string
	namespace   string
	metricsAddr string
}

var rootCmd = &cobra.Command{
	Use:   "docagent",
	Short: "Documentation helper with checkpointed runs",
	Long: "docagent answers programming questions from framework documentation,\n" +
		"falling back to web search, and persists every step so runs can be\n" +
		"resumed, inspected and replayed.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&rootFlags.configPath, "config", "", "Config file (default docagent.yaml when present)")
	f.StringVar(&rootFlags.threadID, "thread", "", "Conversation thread ID")
	f.StringVar(&rootFlags.namespace, "namespace", "", "Checkpoint namespace (default from config)")
	f.StringVar(&rootFlags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
