package llmbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentcore/agentcore/pkg/types"
)

// OpenAIProvider implements Provider against the Chat Completions API,
// grounded on the teacher's internal/agent/providers/openai.go. The
// teacher streams (CreateChatCompletionStream); this spec's non-goals
// exclude streaming, so Complete calls CreateChatCompletion once per
// attempt instead.
type OpenAIProvider struct {
	baseProvider
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewOpenAIProvider constructs a provider from config.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	return &OpenAIProvider{
		baseProvider: newBaseProvider("openai", cfg.MaxRetries, cfg.RetryDelay),
		client:       openai.NewClient(cfg.APIKey),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (RawResponse, error) {
	var out RawResponse
	err := p.retry(ctx, func() error {
		chatReq := openai.ChatCompletionRequest{
			Model:    modelOr(req.Model, p.defaultModel),
			Messages: toOpenAIMessages(req.System, req.Transcript),
		}
		if req.MaxTokens > 0 {
			chatReq.MaxTokens = req.MaxTokens
		}
		if len(req.Catalog) > 0 {
			chatReq.Tools = toOpenAITools(req.Catalog)
		}

		resp, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return classifyOpenAIError(err)
		}
		if len(resp.Choices) == 0 {
			return types.NewToolError(types.ErrModelUnavailable, "openai: empty choices")
		}
		out = decodeOpenAIChoice(resp.Choices[0])
		return nil
	})
	return out, err
}

func modelOr(want, def string) string {
	if want != "" {
		return want
	}
	return def
}

func toOpenAIMessages(system string, transcript []TranscriptMessage) []openai.ChatCompletionMessage {
	var msgs []openai.ChatCompletionMessage
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range transcript {
		switch m.Role {
		case types.RoleUser:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		case types.RoleAssistant:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content})
		case types.RoleTool:
			for _, tr := range m.ToolResults {
				content := string(tr.Payload)
				if tr.Err != nil {
					content = string(tr.Err.AsJSON())
				}
				msgs = append(msgs, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    content,
					ToolCallID: tr.CallID,
				})
			}
		}
	}
	return msgs
}

func toOpenAITools(catalog []types.ToolSpec) []openai.Tool {
	tools := make([]openai.Tool, 0, len(catalog))
	for _, t := range catalog {
		var schema map[string]any
		_ = json.Unmarshal(t.InputSchema, &schema)
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        fmt.Sprintf("%s__%s", t.ServerName, t.ToolName),
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return tools
}

func decodeOpenAIChoice(choice openai.ChatCompletionChoice) RawResponse {
	var out RawResponse
	out.Text = choice.Message.Content
	for _, tc := range choice.Message.ToolCalls {
		server, tool := splitToolName(tc.Function.Name)
		out.ToolCalls = append(out.ToolCalls, RawToolCall{
			ID:     tc.ID,
			Server: server,
			Tool:   tool,
			Params: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

func classifyOpenAIError(err error) error {
	return types.NewToolError(types.ErrModelUnavailable, err.Error())
}
