// Package main provides the CLI entry point for parley, the conversation
// turn processor.
//
// Parley batches inbound messages per conversation, runs one model turn per
// batch with tool use and user confirmation, and delivers the reply back to
// the channel the conversation lives on.
//
// # Basic Usage
//
// Start the server:
//
//	parley serve --config parley.yaml
//
// Manage database migrations:
//
//	parley migrate up
//	parley migrate status
//
// Inspect a conversation:
//
//	parley history telegram:12345
//	parley turn 3f2c...
//
// # Environment Variables
//
//   - PARLEY_CONFIG: Path to configuration file (default: parley.yaml)
//
// Any ${VAR} reference in the configuration file is expanded from the
// environment, e.g. api_key: ${ANTHROPIC_API_KEY}.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "parley.yaml"

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
		Use:   "parley",
		Short: "Parley - conversation turn processor",
		Long: `Parley turns bursts of inbound chat messages into model turns.

Messages are batched per conversation, each batch runs one tool-using model
turn, sensitive tools wait for the user's confirmation, and the reply is
delivered back to the originating channel.

Supported channels: Web (WebSocket), Telegram, Slack, Discord, Email
Supported LLM providers: Anthropic, OpenAI`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildConfigCmd(),
		buildHistoryCmd(),
		buildTurnCmd(),
		buildTokenCmd(),
	)
	return rootCmd
}

// resolveConfigPath falls back to PARLEY_CONFIG and then the default name.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" && path != defaultConfigPath {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("PARLEY_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}
