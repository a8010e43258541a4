// Package main provides the CLI entry point for the dialplane call relay.
//
// Dialplane gives externally hosted AI agents a live telephone presence. It
// terminates telephony provider webhooks, relays each call's speech over a
// duplex socket, and answers every caller turn through the best available
// path: the agent itself, a hosted-model fallback that takes messages, or a
// static unavailability reply.
//
// # Basic Usage
//
// Start the server:
//
//	dialplane serve --config dialplane.yaml
//
// Check operational status:
//
//	dialplane status
//
// Inspect undelivered caller messages:
//
//	dialplane deadletters
//
// # Environment Variables
//
//   - DIALPLANE_CONFIG: Path to configuration file (default: dialplane.yaml)
//   - TWILIO_AUTH_TOKEN: Twilio auth token / webhook signing secret
//   - OPENAI_API_KEY: OpenAI API key for the fallback engine
//   - ANTHROPIC_API_KEY: Anthropic API key for the fallback engine
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
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

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dialplane",
		Short: "Dialplane - Call relay and session engine for AI agents",
		Long: `Dialplane answers real telephone calls on behalf of externally hosted AI
agents. Provider webhooks open a duplex relay socket per call; each caller
turn is answered by the connected agent, a hosted-model fallback, or a
static reply, and messages taken while an agent is offline are delivered
when it reconnects.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildDeadLettersCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("DIALPLANE_CONFIG"); env != "" {
		return env
	}
	return "dialplane.yaml"
}
