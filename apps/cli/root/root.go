package root

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command for the reporting CLI. Subcommands (worker, bootstrap, etc.) are attached here.
var rootCmd = &cobra.Command{
	Use:           "varda-reporting",
	Short:         "Varda reporting CLI",
	Long:          "Report worker and operational utilities for Varda reporting (schema bootstrap, telemetry rollup, dev tokens).",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the mutable root command for wiring from subpackages.
func Root() *cobra.Command {
	return rootCmd
}
