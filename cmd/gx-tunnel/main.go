// Package main is the entry point for the gx-tunnel application.
//
// Usage:
//
//	gx-tunnel serve [-b addr] [-p port]   # Start the tunnel server
//	gx-tunnel user shell                  # Interactive user management shell
//	gx-tunnel user add <user> <password>  # Add a user
//	gx-tunnel user list                   # List all users
//	gx-tunnel stats [--user name]         # Show usage statistics
//	gx-tunnel version                     # Print the version
package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gx-tunnel/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := newRootCommand(cfg).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// newRootCommand builds the command tree. Flag defaults come from cfg and flag
// values are written back into it.
func newRootCommand(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "gx-tunnel",
		Short:         "SSH tunnel over an HTTP upgrade handshake with per-user limits",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&cfg.UserDBPath, "user-db", cfg.UserDBPath, "path to the users.json store")
	root.PersistentFlags().StringVar(&cfg.StatsDBPath, "stats-db", cfg.StatsDBPath, "path to the usage statistics database")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCommand(cfg),
		newUserCommand(cfg),
		newStatsCommand(cfg),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gx-tunnel %s\n", version)
		},
	}
}
