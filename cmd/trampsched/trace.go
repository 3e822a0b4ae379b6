package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"trampsched/internal/sched"
)

var traceCmd = &cobra.Command{
	Use:   "trace <file>",
	Short: "Print a msgpack status trace written by run --trace",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrace,
}

func init() {
	traceCmd.Flags().Bool("ticks", false, "print timer ticks")
}

func runTrace(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", args[0], err)
	}
	defer f.Close()

	evs, err := sched.ReadTrace(f)
	if err != nil {
		return fmt.Errorf("failed to read %q: %w", args[0], err)
	}
	log := sched.NewEventLog(os.Stdout)
	ticks, _ := cmd.Flags().GetBool("ticks")
	log.ShowTicks(ticks)
	for _, ev := range evs {
		log.Handle(ev)
	}
	_, _ = fmt.Fprintf(os.Stdout, "%d events\n", len(evs))
	return log.Close()
}
