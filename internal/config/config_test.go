package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"LLM_API_KEY", "LLM_MODEL_NAME", "LLM_PROVIDER",
		"AGENTIC_MAX_ITERATIONS", "AGENTIC_MAX_TOOL_CALLS", "AGENTIC_TIMEOUT_SECONDS",
		"PER_CALL_TIMEOUT_SECONDS", "SESSION_IDLE_TIMEOUT_MINUTES", "HISTORY_RETENTION_HOURS",
		"CONVERSATION_DB_PATH",
		"TOOL_SERVER_1_CMD", "TOOL_SERVER_2_CMD", "TOOL_SERVER_3_CMD",
	}
	for _, k := range keys {
		// t.Setenv records the original value for restore; Unsetenv then
		// removes the key so os.LookupEnv reports it as absent.
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("TOOL_SERVER_1_CMD", "./echo-server --flag")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxIterations != 8 {
		t.Errorf("MaxIterations = %d, want 8", cfg.MaxIterations)
	}
	if cfg.MaxToolCalls != 30 {
		t.Errorf("MaxToolCalls = %d, want 30", cfg.MaxToolCalls)
	}
	if cfg.WallClockTimeout != 90*time.Second {
		t.Errorf("WallClockTimeout = %v, want 90s", cfg.WallClockTimeout)
	}
	if cfg.ConversationDBPath != "./state.db" {
		t.Errorf("ConversationDBPath = %q, want ./state.db", cfg.ConversationDBPath)
	}
	if len(cfg.ToolServers) != 1 || cfg.ToolServers[0].Command != "./echo-server" {
		t.Fatalf("ToolServers = %+v", cfg.ToolServers)
	}
	if len(cfg.ToolServers[0].Args) != 1 || cfg.ToolServers[0].Args[0] != "--flag" {
		t.Errorf("ToolServers[0].Args = %+v", cfg.ToolServers[0].Args)
	}
	if cfg.LLMProvider != "anthropic" {
		t.Errorf("LLMProvider = %q, want anthropic default", cfg.LLMProvider)
	}
}

func TestLoadLLMProviderOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("TOOL_SERVER_1_CMD", "./echo-server")
	t.Setenv("LLM_PROVIDER", "openai")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLMProvider != "openai" {
		t.Errorf("LLMProvider = %q, want openai", cfg.LLMProvider)
	}
}

func TestLoadToolServerMaxConcurrency(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("TOOL_SERVER_1_CMD", "./echo-server")
	t.Setenv("TOOL_SERVER_1_MAX_CONCURRENCY", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.ToolServers) != 1 || cfg.ToolServers[0].MaxConcurrency != 4 {
		t.Fatalf("ToolServers = %+v, want MaxConcurrency 4", cfg.ToolServers)
	}
}

func TestLoadToolServerMaxConcurrencyDefaultsUnlimited(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("TOOL_SERVER_1_CMD", "./echo-server")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ToolServers[0].MaxConcurrency != 0 {
		t.Errorf("MaxConcurrency = %d, want 0 (unlimited)", cfg.ToolServers[0].MaxConcurrency)
	}
}

func TestLoadMissingAPIKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOOL_SERVER_1_CMD", "./echo-server")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing LLM_API_KEY")
	}
}

func TestLoadMissingToolServer(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_API_KEY", "test-key")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing TOOL_SERVER_<N>_CMD")
	}
}

func TestLoadMultipleToolServersContiguous(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("TOOL_SERVER_1_CMD", "./a")
	t.Setenv("TOOL_SERVER_2_CMD", "./b")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.ToolServers) != 2 {
		t.Fatalf("ToolServers = %+v, want 2 entries", cfg.ToolServers)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("TOOL_SERVER_1_CMD", "./echo-server")
	t.Setenv("AGENTIC_MAX_ITERATIONS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxIterations != 3 {
		t.Errorf("MaxIterations = %d, want 3", cfg.MaxIterations)
	}
}
