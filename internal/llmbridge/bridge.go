// Package llmbridge translates planner-level requests (a transcript plus a
// tool catalog) into calls against an external generative model and
// decodes the model's response into the discriminated union
// Plan = ToolCalls([]ToolCall) | Final(text). Grounded on the teacher's
// internal/agent/provider_types.go (LLMProvider interface shape) and
// internal/agent/providers/{anthropic,openai,base}.go, trimmed of
// streaming (spec.md's non-goals exclude "streaming partial model output
// to clients") and of vision/attachment/extended-thinking fields this
// spec's text-only transcript has no use for.
package llmbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentcore/agentcore/pkg/types"
)

// TranscriptMessage is one entry of the ordered transcript submitted to the
// model on each iteration.
type TranscriptMessage struct {
	Role        types.Role
	Content     string
	ToolCalls   []types.ToolCall   // present on assistant messages that requested tools
	ToolResults []types.ToolResult // present on synthetic tool messages
}

// Request bundles everything the bridge needs for one model call.
type Request struct {
	Model      string // empty selects the provider's configured default
	System     string
	Transcript []TranscriptMessage
	Catalog    []types.ToolSpec
	MaxTokens  int
}

// Plan is the discriminated union the bridge returns: either a non-empty
// set of tool calls, or final natural-language text. Exactly one of the
// two is meaningful, selected by IsFinal.
type Plan struct {
	IsFinal   bool
	Final     string
	ToolCalls []types.ToolCall
	// RawText preserves any prose the model emitted alongside tool calls,
	// for logging only — spec.md §4.2 says tool calls take precedence and
	// the text is discarded for that iteration.
	RawText string
}

// Provider is the interface every model backend implements. Implementations
// must be safe for concurrent use.
type Provider interface {
	Name() string
	// Complete submits one request and returns the model's raw decoded
	// response. Errors are one of types.ErrModelUnavailable or
	// types.ErrModelRefused; any other error is wrapped as ModelUnavailable
	// by the caller.
	Complete(ctx context.Context, req Request) (RawResponse, error)
}

// RawResponse is what a Provider decodes the wire response into, before the
// Bridge turns it into a Plan and validates tool-call parameters.
type RawResponse struct {
	Text      string
	ToolCalls []RawToolCall
}

// RawToolCall is one tool invocation as decoded from a provider's wire
// response, before schema validation turns it into a types.ToolCall.
type RawToolCall struct {
	ID     string
	Server string
	Tool   string
	Params json.RawMessage
}

// Bridge adapts a Provider into the Plan contract, including the one
// automatic retry on ModelUnavailable/ModelRefused and schema validation of
// tool-call parameters, per spec.md §4.2.
type Bridge struct {
	provider Provider
}

// New constructs a Bridge around the given provider.
func New(provider Provider) *Bridge {
	return &Bridge{provider: provider}
}

// Decide submits req to the model and returns a Plan, retrying exactly once
// on ModelUnavailable/ModelRefused before giving up.
func (b *Bridge) Decide(ctx context.Context, req Request, catalogByKey map[string]types.ToolSpec) (Plan, error) {
	raw, err := b.completeWithRetry(ctx, req)
	if err != nil {
		return Plan{}, err
	}

	if len(raw.ToolCalls) > 0 {
		calls := make([]types.ToolCall, 0, len(raw.ToolCalls))
		for _, rc := range raw.ToolCalls {
			spec, ok := catalogByKey[types.ToolSpec{ServerName: rc.Server, ToolName: rc.Tool}.Key()]
			if ok {
				if err := validateParams(spec, rc.Params); err != nil {
					return Plan{}, types.NewToolError(types.ErrMalformedPlan,
						fmt.Sprintf("tool call %s::%s failed schema validation: %v", rc.Server, rc.Tool, err))
				}
			}
			calls = append(calls, types.ToolCall{
				CallID:     rc.ID,
				ServerName: rc.Server,
				ToolName:   rc.Tool,
				Params:     rc.Params,
			})
		}
		return Plan{ToolCalls: calls, RawText: raw.Text}, nil
	}

	if raw.Text != "" {
		return Plan{IsFinal: true, Final: raw.Text}, nil
	}

	// Empty tool-call set and no final text: treated as an implicit
	// Final(""), per spec.md §4.4 termination detection.
	return Plan{IsFinal: true, Final: ""}, nil
}

func (b *Bridge) completeWithRetry(ctx context.Context, req Request) (RawResponse, error) {
	raw, err := b.provider.Complete(ctx, req)
	if err == nil {
		return raw, nil
	}
	if !isRetryableModelError(err) {
		return RawResponse{}, err
	}
	raw, err = b.provider.Complete(ctx, req)
	if err != nil {
		var te *types.ToolError
		if !errors.As(err, &te) {
			err = types.NewToolError(types.ErrModelUnavailable, err.Error())
		}
		return RawResponse{}, err
	}
	return raw, nil
}

func isRetryableModelError(err error) bool {
	var te *types.ToolError
	if errors.As(err, &te) {
		return te.Kind == types.ErrModelUnavailable || te.Kind == types.ErrModelRefused
	}
	return true
}

// validateParams checks a tool call's JSON parameters against the target
// tool's declared input schema, using the same validator the teacher
// imports (github.com/santhosh-tekuri/jsonschema/v5).
func validateParams(spec types.ToolSpec, params json.RawMessage) error {
	if len(spec.InputSchema) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(spec.Key(), bytes.NewReader(spec.InputSchema)); err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}
	sch, err := compiler.Compile(spec.Key())
	if err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}
	var v any
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return fmt.Errorf("invalid params JSON: %w", err)
	}
	return sch.Validate(v)
}
