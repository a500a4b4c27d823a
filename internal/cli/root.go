// Package cli wires the cobra commands around the export pipeline.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/bwb-tools/efatura-export/internal/logger"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "efatura-export",
	Short: "Export eFatura CV fiscal documents to a tabular store",
	Long: `efatura-export pulls DFE fiscal documents from the eFatura CV portal
for a configured date window and writes one row per line item into a
local SQLite store. Runs are resumable: an interrupted document is
rewritten in full on the next invocation.`,
	SilenceUsage: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.SetVerbose(verbose)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "path to the TOML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
