// Package commands implements the peerchat cobra command tree: "run" to
// start the process and "version" to print build information. Unlike a
// thin RPC client CLI talking to a separate daemon, "run" directly is the
// long-running process.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "peerchat",
	Short: "Peer-to-peer chat overlay client and directory-registered node",
	Long: "peerchat registers with a rendezvous directory, maintains direct " +
		"sessions with discovered peers, and exposes an interactive shell for " +
		"sending unicast and namespace-broadcast messages over the overlay.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
