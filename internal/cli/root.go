// Package cli implements the PeerLink command-line interface using Cobra.
// Read-only commands open the local store directly; commands that deliver
// over a transport talk to the running daemon's API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "peerlink",
	Short: "PeerLink: multi-transport peer messaging",
	Long: `PeerLink connects peers over whichever transport is available:
direct p2p, email, chat bridges or the web relay.

Run 'peerlink serve' to start the daemon and its HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "Daemon API address (default from config)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
