package llmbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentcore/agentcore/pkg/types"
)

// AnthropicProvider implements Provider against Anthropic's Messages API,
// grounded on the teacher's internal/agent/providers/anthropic.go. The
// teacher's version streams via SSE; this spec's non-goals exclude
// streaming partial model output, so Complete here makes one non-streaming
// Messages.New call per attempt instead of consuming an ssestream.Stream.
type AnthropicProvider struct {
	base
	client       anthropic.Client
	defaultModel string
}

type base = baseProvider

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewAnthropicProvider constructs a provider, defaulting DefaultModel and
// retry settings the way the teacher's NewAnthropicProvider does.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		base:         newBaseProvider("anthropic", cfg.MaxRetries, cfg.RetryDelay),
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string { return p.name }

// Complete submits req to Claude and decodes the result into a RawResponse.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (RawResponse, error) {
	var out RawResponse
	err := p.retry(ctx, func() error {
		msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(p.modelFor(req)),
			MaxTokens: int64(maxTokensOr(req.MaxTokens, 4096)),
			System:    systemBlocks(req.System),
			Messages:  toAnthropicMessages(req.Transcript),
			Tools:     toAnthropicTools(req.Catalog),
		})
		if err != nil {
			return classifyAnthropicError(err)
		}
		out = decodeAnthropicMessage(msg)
		return nil
	})
	return out, err
}

func (p *AnthropicProvider) modelFor(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func maxTokensOr(want, def int) int {
	if want > 0 {
		return want
	}
	return def
}

func systemBlocks(system string) []anthropic.TextBlockParam {
	if system == "" {
		return nil
	}
	return []anthropic.TextBlockParam{{Text: system}}
}

func toAnthropicMessages(transcript []TranscriptMessage) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(transcript))
	for _, m := range transcript {
		switch m.Role {
		case types.RoleUser:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case types.RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case types.RoleTool:
			for _, tr := range m.ToolResults {
				content := string(tr.Payload)
				if tr.Err != nil {
					content = string(tr.Err.AsJSON())
				}
				msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewToolResultBlock(tr.CallID, content, tr.Err != nil)))
			}
		}
	}
	return msgs
}

func toAnthropicTools(catalog []types.ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(catalog))
	for _, t := range catalog {
		var schema map[string]any
		_ = json.Unmarshal(t.InputSchema, &schema)
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        fmt.Sprintf("%s__%s", t.ServerName, t.ToolName),
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: schema["properties"]},
			},
		})
	}
	return tools
}

func decodeAnthropicMessage(msg *anthropic.Message) RawResponse {
	var out RawResponse
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Text += variant.Text
		case anthropic.ToolUseBlock:
			server, tool := splitToolName(variant.Name)
			out.ToolCalls = append(out.ToolCalls, RawToolCall{
				ID:     variant.ID,
				Server: server,
				Tool:   tool,
				Params: variant.Input,
			})
		}
	}
	return out
}

// splitToolName reverses the "server__tool" naming convention used to flatten
// the (server, tool) pair into the single function name Anthropic's tool-use
// API requires.
func splitToolName(name string) (server, tool string) {
	idx := strings.Index(name, "__")
	if idx < 0 {
		return "", name
	}
	return name[:idx], name[idx+2:]
}

func classifyAnthropicError(err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "refused") || strings.Contains(lower, "content policy"):
		return types.NewToolError(types.ErrModelRefused, msg)
	default:
		return types.NewToolError(types.ErrModelUnavailable, msg)
	}
}
