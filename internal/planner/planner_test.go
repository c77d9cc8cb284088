package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentcore/agentcore/internal/llmbridge"
	"github.com/agentcore/agentcore/pkg/types"
)

// fakeProvider serves one canned RawResponse per Decide() call, in order.
type fakeProvider struct {
	mu        sync.Mutex
	responses []llmbridge.RawResponse
	calls     int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req llmbridge.Request) (llmbridge.RawResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.responses) {
		return llmbridge.RawResponse{}, nil
	}
	return f.responses[i], nil
}

// fakeTools answers ListAllTools/Call against an in-memory catalog; every
// call succeeds unless the tool name is "fail", which always returns a
// synthetic RemoteError — used to exercise per-call isolation (P4).
type fakeTools struct {
	mu    sync.Mutex
	specs []types.ToolSpec
	calls int
}

func (f *fakeTools) ListAllTools() []types.ToolSpec { return f.specs }

func (f *fakeTools) Call(ctx context.Context, server, tool string, params json.RawMessage, timeout time.Duration) (json.RawMessage, *types.ToolError) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if tool == "fail" {
		return nil, types.NewToolError(types.ErrRemoteError, "boom").WithCode(1)
	}
	return json.RawMessage(fmt.Sprintf(`{"echo":%s}`, params)), nil
}

func toolSpec(name string) types.ToolSpec {
	return types.ToolSpec{ServerName: "srv", ToolName: name, InputSchema: json.RawMessage(`{}`)}
}

func rawCall(id, tool string) llmbridge.RawToolCall {
	return llmbridge.RawToolCall{ID: id, Server: "srv", Tool: tool, Params: json.RawMessage(`{}`)}
}

func newTestPlanner(provider *fakeProvider, tools *fakeTools, budgets Budgets) *Planner {
	return New(llmbridge.New(provider), tools, budgets, nil, nil)
}

func TestRunEndsInDoneOnFinalText(t *testing.T) {
	p := &fakeProvider{responses: []llmbridge.RawResponse{{Text: "all done"}}}
	tools := &fakeTools{}
	pl := newTestPlanner(p, tools, DefaultBudgets())

	res := pl.Run(context.Background(), nil, "hello")
	if res.TerminalState != StateDone || res.AssistantText != "all done" {
		t.Fatalf("Run() = %+v, want Done/\"all done\"", res)
	}
}

// TestRunToolCallIDsUnique exercises property P1: every tool call issued
// across a run carries a distinct call id.
func TestRunToolCallIDsUnique(t *testing.T) {
	p := &fakeProvider{responses: []llmbridge.RawResponse{
		{Text: "thinking", ToolCalls: []llmbridge.RawToolCall{rawCall("1", "echo")}},
		{Text: "thinking", ToolCalls: []llmbridge.RawToolCall{rawCall("2", "echo")}},
		{Text: "final"},
	}}
	tools := &fakeTools{specs: []types.ToolSpec{toolSpec("echo")}}
	pl := newTestPlanner(p, tools, DefaultBudgets())

	res := pl.Run(context.Background(), nil, "go")
	if res.TerminalState != StateDone {
		t.Fatalf("TerminalState = %v, want Done", res.TerminalState)
	}
	seen := map[string]bool{}
	for _, c := range res.ToolCallsMade {
		if seen[c.CallID] {
			t.Fatalf("duplicate call id %s", c.CallID)
		}
		seen[c.CallID] = true
	}
	if len(seen) != 2 {
		t.Fatalf("got %d distinct call ids, want 2", len(seen))
	}
}

// TestRunParallelCallsIsolated exercises property P4: one failing call in a
// batch does not prevent the others from succeeding or corrupt the
// transcript's per-result accounting.
func TestRunParallelCallsIsolated(t *testing.T) {
	resp := llmbridge.RawResponse{
		Text: "calling three tools",
		ToolCalls: []llmbridge.RawToolCall{
			rawCall("1", "ok1"),
			rawCall("2", "fail"),
			rawCall("3", "ok2"),
		},
	}

	p := &fakeProvider{responses: []llmbridge.RawResponse{resp, {Text: "final"}}}
	tools := &fakeTools{specs: []types.ToolSpec{toolSpec("ok1"), toolSpec("fail"), toolSpec("ok2")}}
	pl := newTestPlanner(p, tools, DefaultBudgets())

	res := pl.Run(context.Background(), nil, "go")
	if res.TerminalState != StateDone {
		t.Fatalf("TerminalState = %v, want Done", res.TerminalState)
	}
	if len(res.ToolCallsMade) != 3 {
		t.Fatalf("ToolCallsMade = %d, want 3", len(res.ToolCallsMade))
	}
}

// TestRunBudgetExhaustedAfterMaxIterations exercises property P3: the
// iteration budget is enforced even when the model never produces a final
// answer, and a best-effort synthesized answer is still returned.
func TestRunBudgetExhaustedAfterMaxIterations(t *testing.T) {
	var responses []llmbridge.RawResponse
	for i := 0; i < 3; i++ { // one tool-call response per allowed iteration
		responses = append(responses, llmbridge.RawResponse{
			Text:      "still working",
			ToolCalls: []llmbridge.RawToolCall{rawCall(fmt.Sprintf("c%d", i), "ok1")},
		})
	}
	// consumed only by the best-effort synthesis call
	responses = append(responses, llmbridge.RawResponse{Text: "synthesized summary"})

	p := &fakeProvider{responses: responses}
	tools := &fakeTools{specs: []types.ToolSpec{toolSpec("ok1")}}
	budgets := DefaultBudgets()
	budgets.MaxIterations = 3
	budgets.WallClockTimeout = 5 * time.Second
	pl := newTestPlanner(p, tools, budgets)

	res := pl.Run(context.Background(), nil, "go")
	if res.TerminalState != StateBudgetExhausted {
		t.Fatalf("TerminalState = %v, want BudgetExhausted", res.TerminalState)
	}
	if res.AssistantText == "" {
		t.Fatal("expected a synthesized best-effort answer, got empty text")
	}
}

// TestRunMaxToolCallsDeniesOverflow exercises the MAX_TOOL_CALLS budget:
// calls beyond the remaining allowance are denied rather than dispatched.
func TestRunMaxToolCallsDeniesOverflow(t *testing.T) {
	resp := llmbridge.RawResponse{
		Text: "calling many",
		ToolCalls: []llmbridge.RawToolCall{
			rawCall("1", "ok1"),
			rawCall("2", "ok1"),
			rawCall("3", "ok1"),
		},
	}

	p := &fakeProvider{responses: []llmbridge.RawResponse{resp, {Text: "synth"}}}
	tools := &fakeTools{specs: []types.ToolSpec{toolSpec("ok1")}}
	budgets := DefaultBudgets()
	budgets.MaxToolCalls = 2
	pl := newTestPlanner(p, tools, budgets)

	res := pl.Run(context.Background(), nil, "go")
	if res.TerminalState != StateBudgetExhausted {
		t.Fatalf("TerminalState = %v, want BudgetExhausted", res.TerminalState)
	}
	if len(res.ToolCallsMade) != 2 {
		t.Fatalf("ToolCallsMade = %d, want 2 (denied calls are not dispatched)", len(res.ToolCallsMade))
	}
	if tools.calls != 2 {
		t.Fatalf("underlying tool dispatched %d calls, want 2", tools.calls)
	}
}
