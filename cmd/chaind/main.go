// Chaind is a chain execution daemon speaking the Model Context Protocol.
//
// It serves predefined multi-step prompt chains over stdio: each tool
// call captures the previous step's output, enforces quality gates on
// gated steps, and returns the next step's prompt. A small HTTP surface
// exposes health and session diagnostics.
//
// Usage:
//
//	# Serve on stdio with defaults
//	chaind serve
//
//	# Custom config file
//	chaind serve --config ~/.config/chaind/config.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chaind",
	Short: "Chain execution daemon for MCP clients",
	Long: `chaind serves predefined multi-step prompt chains over the Model
Context Protocol. It tracks per-session execution state, captures step
outputs, and enforces quality gates between steps.`,
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chaind server on stdio",
	Long: `Start the MCP server on the stdio transport, plus the HTTP
status endpoint.

Examples:
  # Serve with defaults (~/.config/chaind/config.yaml)
  chaind serve

  # Serve with an explicit config file
  chaind serve --config /etc/chaind/config.yaml`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show detailed version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("chaind by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "config file path (default ~/.config/chaind/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
