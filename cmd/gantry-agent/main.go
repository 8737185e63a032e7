// ABOUTME: Entry point for gantry-agent, the build agent
// ABOUTME: Cobra root command; subcommands live in run.go and identity.go

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set by goreleaser at build time.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "gantry-agent",
	Short: "gantry build agent",
	Long: `gantry-agent connects to a gantry server, takes build assignments,
runs their builders and publishes artifacts with checksums.

It keeps one stream open to the server over gRPC or a websocket and
reconnects with backoff when the stream drops.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
