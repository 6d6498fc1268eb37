// Package cli implements the kestrel command line.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// Build information, set via ldflags.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "Real-time transaction risk scoring",
	Long: "Kestrel scores card transactions against a weighted, configurable rule set,\n" +
		"optionally blended with a model probability, and recommends APPROVE, REVIEW or BLOCK.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
