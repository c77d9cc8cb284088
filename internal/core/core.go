// Package core wires the Tool Server Manager, LLM Bridge, Conversation
// Store, and Planner into the programmatic API spec.md §6 names:
// core.run, core.clear, core.shutdown. Grounded on the teacher's
// internal/agent/runtime.go, which plays the same composition-root role for
// its own (much larger) set of subsystems — constructed once at startup,
// handed a ready-made set of collaborators, and exposing a small method set
// to the CLI/gateway layer above it.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentcore/agentcore/internal/config"
	"github.com/agentcore/agentcore/internal/convstore"
	"github.com/agentcore/agentcore/internal/llmbridge"
	"github.com/agentcore/agentcore/internal/metrics"
	"github.com/agentcore/agentcore/internal/planner"
	"github.com/agentcore/agentcore/internal/toolserver"
	"github.com/agentcore/agentcore/pkg/types"
)

// Core owns the four components and exposes spec.md §6's programmatic API.
type Core struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics

	tools  *toolserver.Manager
	bridge *llmbridge.Bridge
	store  *convstore.Store
	plan   *planner.Planner

	sweepCancel context.CancelFunc
}

// RunResult is the host-facing summary of one core.run call, exactly
// spec.md §6's {assistant_text, tool_calls_made[], terminal_state}.
type RunResult struct {
	AssistantText string
	ToolCallsMade []types.ToolCall
	TerminalState planner.TerminalState
}

// New builds a Core from configuration: it constructs the LLM provider
// named by cfg.LLMProvider (default "anthropic"), opens the conversation
// store, starts every configured tool server, and launches the retention
// sweep ticker. reg may be nil, in which case metrics register against a
// private prometheus.Registry (see internal/metrics).
func New(ctx context.Context, cfg config.Config, log *slog.Logger, reg prometheus.Registerer) (*Core, error) {
	if log == nil {
		log = slog.Default()
	}
	met := metrics.New(reg)

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("core: build LLM provider: %w", err)
	}
	bridge := llmbridge.New(provider)

	store, err := convstore.Open(cfg.ConversationDBPath, cfg.SessionIdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("core: open conversation store: %w", err)
	}

	tools := toolserver.New(cfg.ToolServers, cfg.StartupTimeout, log, met)
	tools.Start(ctx)

	budgets := planner.Budgets{
		MaxIterations:    cfg.MaxIterations,
		MaxToolCalls:     cfg.MaxToolCalls,
		WallClockTimeout: cfg.WallClockTimeout,
		PerCallTimeout:   cfg.PerCallTimeout,
		HistoryWindow:    cfg.HistoryWindow,
	}
	plan := planner.New(bridge, tools, budgets, log, met)

	sweepCtx, cancel := context.WithCancel(context.Background())
	go store.RunRetentionSweep(sweepCtx, cfg.HistoryRetention, cfg.RetentionSweepPeriod)

	return &Core{
		cfg:         cfg,
		log:         log,
		metrics:     met,
		tools:       tools,
		bridge:      bridge,
		store:       store,
		plan:        plan,
		sweepCancel: cancel,
	}, nil
}

// buildProvider selects and constructs the configured llmbridge.Provider.
// Grounded on the teacher's internal/agent/runtime.go provider-selection
// switch (providerFromName), trimmed to the two providers this spec wires
// (see SPEC_FULL.md's DOMAIN STACK SUMMARY).
func buildProvider(cfg config.Config) (llmbridge.Provider, error) {
	switch cfg.LLMProvider {
	case "", "anthropic":
		return llmbridge.NewAnthropicProvider(llmbridge.AnthropicConfig{
			APIKey:       cfg.LLMAPIKey,
			DefaultModel: cfg.LLMModel,
		})
	case "openai":
		return llmbridge.NewOpenAIProvider(llmbridge.OpenAIConfig{
			APIKey:       cfg.LLMAPIKey,
			DefaultModel: cfg.LLMModel,
		})
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}
}

// Run turns one user utterance into a final assistant response, per
// spec.md §4.4/§6: hydrate history, run the agentic loop, persist both the
// user turn and the assistant turn. A conversation-store failure degrades
// gracefully per spec.md §4.3's soft-error semantics — it never aborts the
// run.
func (c *Core) Run(ctx context.Context, userKey, userText string) RunResult {
	now := time.Now()
	sessionID, err := c.store.OpenOrReuseSession(ctx, userKey, now)
	if err != nil {
		c.log.Warn("session lookup failed, minting ephemeral session", "user", userKey, "error", err)
		sessionID = fmt.Sprintf("ephemeral-%d", now.UnixNano())
	}

	history := toTranscript(c.store.Recent(ctx, userKey, c.cfg.HistoryWindow))

	if err := c.store.Append(ctx, sessionID, userKey, types.RoleUser, userText, convstore.Metadata{}, now); err != nil {
		c.log.Warn("failed to persist user message", "user", userKey, "session", sessionID, "error", err)
	}

	start := time.Now()
	res := c.plan.Run(ctx, history, userText)
	elapsed := time.Since(start)

	assistantMeta := convstore.Metadata{}
	if toolCallsJSON, err := json.Marshal(res.ToolCallsMade); err == nil && len(res.ToolCallsMade) > 0 {
		assistantMeta.ToolCalls = toolCallsJSON
	}
	if err := c.store.Append(ctx, sessionID, userKey, types.RoleAssistant, res.AssistantText, assistantMeta, time.Now()); err != nil {
		c.log.Warn("failed to persist assistant message", "user", userKey, "session", sessionID, "error", err)
	}

	c.log.Info("planner run completed",
		"user", userKey,
		"session", sessionID,
		"terminal_state", res.TerminalState,
		"tool_calls", len(res.ToolCallsMade),
		"elapsed", elapsed,
	)

	return RunResult{
		AssistantText: res.AssistantText,
		ToolCallsMade: res.ToolCallsMade,
		TerminalState: res.TerminalState,
	}
}

// Clear forgets a user's conversation history, per spec.md §4.3's clear op.
func (c *Core) Clear(ctx context.Context, userKey string) error {
	return c.store.Clear(ctx, userKey)
}

// Shutdown stops the retention sweep and terminates every tool server
// (SIGTERM escalating to SIGKILL after 5s, per spec.md §4.1/§5), then closes
// the conversation store.
func (c *Core) Shutdown() error {
	c.sweepCancel()
	c.tools.Shutdown(5 * time.Second)
	return c.store.Close()
}

func toTranscript(msgs []types.Message) []llmbridge.TranscriptMessage {
	out := make([]llmbridge.TranscriptMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llmbridge.TranscriptMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

