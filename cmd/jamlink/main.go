package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "jamlink",
		Short: "Real-time group song synchronization server",
		Long: `Jamlink keeps the members of a music group looking at the same
song at the same time. Members connect over an authenticated WebSocket;
when one selects a song the rest of the group sees it immediately, and a
member dropping off briefly picks its session back up without the group
noticing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
