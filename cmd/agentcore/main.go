// Package main provides the CLI entry point for the agentic tool-orchestration
// core.
//
// agentcore wires configuration, the Tool Server Manager, the LLM Bridge, the
// Conversation Store, and the Planner into a single core.Core and exposes it
// through a small cobra command tree, per spec.md §6's programmatic API.
//
// # Basic Usage
//
// Ask the core to handle one turn of conversation:
//
//	agentcore run --user alice "what's the weather in Boston?"
//
// # Environment Variables
//
//   - LLM_API_KEY: API key for the configured LLM provider (required)
//   - LLM_MODEL_NAME: model name passed to the provider
//   - LLM_PROVIDER: "anthropic" (default) or "openai"
//   - TOOL_SERVER_<N>_CMD: command line for tool server N, starting at 1
//   - CONVERSATION_DB_PATH: sqlite path for the conversation store
package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentcore/agentcore/internal/config"
	"github.com/agentcore/agentcore/internal/core"
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

	rootCmd := buildRootCmd(logger)
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached, kept
// separate from main() to make it testable.
func buildRootCmd(logger *slog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentcore",
		Short: "agentcore - agentic tool-orchestration core",
		Long: `agentcore binds an LLM to a fleet of stdio tool servers, enforces
per-run budgets, and persists conversation history.

Configuration is environment-only; see LLM_API_KEY, LLM_MODEL_NAME,
LLM_PROVIDER, and TOOL_SERVER_<N>_CMD.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(logger),
		buildClearCmd(logger),
	)

	return rootCmd
}

// buildRunCmd builds the single "run" subcommand spec.md §6 calls for: it
// reads one user utterance (from args, or a single line on stdin when no
// args are given) and prints the assistant's reply.
func buildRunCmd(logger *slog.Logger) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "run [text]",
		Short: "Run one turn of conversation through the agentic loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := resolveUserText(cmd, args)
			if err != nil {
				return err
			}
			if strings.TrimSpace(user) == "" {
				return fmt.Errorf("--user is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := core.New(ctx, cfg, logger, nil)
			if err != nil {
				return fmt.Errorf("start core: %w", err)
			}
			defer func() {
				if err := c.Shutdown(); err != nil {
					logger.Warn("shutdown reported an error", "error", err)
				}
			}()

			res := c.Run(ctx, user, text)
			fmt.Fprintln(cmd.OutOrStdout(), res.AssistantText)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "opaque user/session key (required)")
	return cmd
}

// buildClearCmd exposes core.clear, per spec.md §4.3.
func buildClearCmd(logger *slog.Logger) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget a user's conversation history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(user) == "" {
				return fmt.Errorf("--user is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := core.New(ctx, cfg, logger, nil)
			if err != nil {
				return fmt.Errorf("start core: %w", err)
			}
			defer func() {
				if err := c.Shutdown(); err != nil {
					logger.Warn("shutdown reported an error", "error", err)
				}
			}()

			return c.Clear(ctx, user)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "opaque user/session key (required)")
	return cmd
}

// resolveUserText takes the user's utterance from the trailing positional
// args, falling back to a single line of stdin when none are given.
func resolveUserText(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return "", fmt.Errorf("no input text given (pass it as an argument or on stdin)")
	}
	return scanner.Text(), nil
}
