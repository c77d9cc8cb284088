// Package config loads the core's environment-variable configuration. Unlike
// the teacher's internal/config/loader.go (file-based, $include-directive,
// JSON5/YAML merge), this core's only external interface is environment
// variables (spec.md §6), so the loader is a flat struct populated once by
// Load and passed by value into each component's constructor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ToolServerConfig is the command line for one TOOL_SERVER_<N>_CMD entry.
type ToolServerConfig struct {
	ID      string
	Command string
	Args    []string

	// MaxConcurrency bounds the number of in-flight calls against this
	// server. 0 (the default) means unlimited, matching the teacher's
	// Executor.config.Concurrency knob defaulting "off" — see DESIGN.md's
	// per-server concurrency decision.
	MaxConcurrency int
}

// Config is the fully resolved configuration for one core instance.
type Config struct {
	LLMAPIKey    string
	LLMModel     string
	LLMProvider  string // "anthropic" (default) or "openai" — see DESIGN.md
	ToolServers  []ToolServerConfig

	MaxIterations        int
	MaxToolCalls         int
	WallClockTimeout     time.Duration
	PerCallTimeout       time.Duration
	SessionIdleTimeout   time.Duration
	HistoryRetention     time.Duration
	ConversationDBPath   string
	HistoryWindow        int
	StartupTimeout       time.Duration
	RetentionSweepPeriod time.Duration
}

// Load reads the configuration from the process environment, applying the
// defaults from spec.md §6.
func Load() (Config, error) {
	cfg := Config{
		LLMAPIKey:            os.Getenv("LLM_API_KEY"),
		LLMModel:             os.Getenv("LLM_MODEL_NAME"),
		LLMProvider:          envString("LLM_PROVIDER", "anthropic"),
		MaxIterations:        envInt("AGENTIC_MAX_ITERATIONS", 8),
		MaxToolCalls:         envInt("AGENTIC_MAX_TOOL_CALLS", 30),
		WallClockTimeout:     envSeconds("AGENTIC_TIMEOUT_SECONDS", 90),
		PerCallTimeout:       envSeconds("PER_CALL_TIMEOUT_SECONDS", 30),
		SessionIdleTimeout:   envMinutes("SESSION_IDLE_TIMEOUT_MINUTES", 30),
		HistoryRetention:     envHours("HISTORY_RETENTION_HOURS", 24),
		ConversationDBPath:   envString("CONVERSATION_DB_PATH", "./state.db"),
		HistoryWindow:        10,
		StartupTimeout:       30 * time.Second,
		RetentionSweepPeriod: 6 * time.Hour,
	}

	if cfg.LLMAPIKey == "" {
		return Config{}, fmt.Errorf("config: LLM_API_KEY is required")
	}

	servers, err := toolServersFromEnv()
	if err != nil {
		return Config{}, err
	}
	if len(servers) == 0 {
		return Config{}, fmt.Errorf("config: at least one TOOL_SERVER_<N>_CMD is required")
	}
	cfg.ToolServers = servers

	return cfg, nil
}

// toolServersFromEnv discovers TOOL_SERVER_<N>_CMD entries for contiguous N
// starting at 1, the way the teacher's internal/mcp.Config.Servers list is
// populated from parsed configuration, but sourced from the environment
// instead of a file.
func toolServersFromEnv() ([]ToolServerConfig, error) {
	var servers []ToolServerConfig
	for n := 1; ; n++ {
		key := fmt.Sprintf("TOOL_SERVER_%d_CMD", n)
		val, ok := os.LookupEnv(key)
		if !ok {
			break
		}
		fields := strings.Fields(val)
		if len(fields) == 0 {
			return nil, fmt.Errorf("config: %s is empty", key)
		}
		servers = append(servers, ToolServerConfig{
			ID:             fmt.Sprintf("server-%d", n),
			Command:        fields[0],
			Args:           fields[1:],
			MaxConcurrency: envInt(fmt.Sprintf("TOOL_SERVER_%d_MAX_CONCURRENCY", n), 0),
		})
	}
	return servers, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}

func envMinutes(key string, defMinutes int) time.Duration {
	return time.Duration(envInt(key, defMinutes)) * time.Minute
}

func envHours(key string, defHours int) time.Duration {
	return time.Duration(envInt(key, defHours)) * time.Hour
}
