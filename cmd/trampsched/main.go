package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "trampsched",
	Short: "Hybrid cooperative/preemptive task runtime on a simulated machine",
	Long: `trampsched boots the task runtime on a simulated multi-core machine,
runs a demo workload of coroutine and user tasks and streams the scheduler's
status events.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(traceCmd)

	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
