package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "visage",
	Short: "Visage is a face-recognition session gateway",
	Long: `A thin gateway in front of an external face-recognition service.
It proxies identify/enroll calls, records latency telemetry into a local
embedded event log, and serves per-session funnel statistics.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
