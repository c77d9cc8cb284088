package core

import (
	"testing"
	"time"

	"github.com/agentcore/agentcore/internal/config"
	"github.com/agentcore/agentcore/pkg/types"
)

func TestBuildProviderSelectsByName(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.Config
		wantErr bool
	}{
		{name: "default is anthropic", cfg: config.Config{LLMProvider: "", LLMAPIKey: "k"}, wantErr: false},
		{name: "explicit anthropic", cfg: config.Config{LLMProvider: "anthropic", LLMAPIKey: "k"}, wantErr: false},
		{name: "openai", cfg: config.Config{LLMProvider: "openai", LLMAPIKey: "k"}, wantErr: false},
		{name: "unknown provider rejected", cfg: config.Config{LLMProvider: "bedrock", LLMAPIKey: "k"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := buildProvider(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("buildProvider() error = %v", err)
			}
			if p == nil {
				t.Fatal("expected non-nil provider")
			}
		})
	}
}

func TestToTranscriptPreservesOrderAndContent(t *testing.T) {
	now := time.Now()
	msgs := []types.Message{
		{Role: types.RoleUser, Content: "hi", Timestamp: now},
		{Role: types.RoleAssistant, Content: "hello", Timestamp: now.Add(time.Second)},
	}
	got := toTranscript(msgs)
	if len(got) != 2 {
		t.Fatalf("len(toTranscript()) = %d, want 2", len(got))
	}
	if got[0].Role != types.RoleUser || got[0].Content != "hi" {
		t.Fatalf("got[0] = %+v", got[0])
	}
	if got[1].Role != types.RoleAssistant || got[1].Content != "hello" {
		t.Fatalf("got[1] = %+v", got[1])
	}
}
