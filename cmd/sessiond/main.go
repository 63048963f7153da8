// Package main is the entry point for the sessiond server.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/szaher/designs/sessiond/internal/config"
	"github.com/szaher/designs/sessiond/internal/runtime"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sessiond",
		Short: "Conversation session manager with TTL-based cleanup",
		Long: `sessiond keeps one live conversation per user, expires idle
conversations after a TTL chosen from the agent's last reply, and
removes the user's files, search index and history when they expire.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func main() {
	runtime.Version = version
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
