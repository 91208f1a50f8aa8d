// Package main provides the CLI entry point for steward, a server-side
// personal assistant that ingests messages from multiple channels, runs a
// bounded agentic reasoning loop, and surfaces approval cards a human
// reviews before anything goes outbound.
//
// # Basic Usage
//
// Start the server:
//
//	steward serve --config steward.yaml
//
// Check system status:
//
//	steward status --config steward.yaml
//
// Manage database migrations (CockroachDB/Postgres deployments only):
//
//	steward migrate up
//	steward migrate status
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "steward",
		Short: "steward - a server-side personal assistant gateway",
		Long: `steward ingests messages from multiple channels (CLI, WebSocket,
Telegram, Discord, Slack, email), runs a bounded agentic reasoning loop
that may invoke approved tools, and produces approval cards a human
reviews asynchronously. Nothing is ever sent outbound without explicit
human approval.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildStatusCmd(),
	)

	return rootCmd
}
