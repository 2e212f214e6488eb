// Package cmd provides the mosaic CLI.
//
// Commands:
//   - serve: HTTP API server hosting the execution engine
//   - migrate: run database migrations and exit
//   - version: build information
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mosaic",
	Short: "Multi-tenant RAG execution engine",
	Long: `Mosaic hosts scope-isolated RAG agent instances for multiple tenants.
Each query runs through a retrieve-generate-postprocess pipeline behind
admission control and per-instance quota enforcement.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
