package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/VIGIL/cmd/vigil/commands"
	"github.com/teranos/VIGIL/logger"
)

var jsonLogs bool

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "VIGIL - Real-time vision analytics core",
	Long: `VIGIL - Real-time vision analytics.

VIGIL pulls frames from a source, runs detection and scene analysis over a
worker pool, tracks operational state, and optionally archives results.

Available commands:
  run     - Run the analytics engine
  config  - Manage configuration (show, init, path)
  models  - Validate and list a model manifest
  version - Show version information

Examples:
  vigil run                     # Run with vigil.toml (or defaults)
  vigil run --frames 100        # Process a bounded number of frames
  vigil config show --format json
  vigil models --manifest models.toml`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize global logger before any command runs
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(commands.Verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&commands.Verbosity, "verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Config file path (default vigil.toml, or $VIGIL_CONFIG)")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.ModelsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
