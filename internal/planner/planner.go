// Package planner implements the Agentic Loop: a bounded think→act→observe
// cycle over the LLM Bridge and the Tool Server Manager, per spec.md §4.4.
// Grounded on the teacher's internal/agent/loop.go (state-machine shape,
// per-run object) and internal/agent/executor.go (parallel fan-out with
// per-call isolation), but with the teacher's own defaults, approval
// flow, async jobs, and branching entirely replaced by spec.md's exact
// budget semantics and a much smaller state space.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentcore/agentcore/internal/llmbridge"
	"github.com/agentcore/agentcore/internal/metrics"
	"github.com/agentcore/agentcore/pkg/types"
)

// TerminalState names how a PlannerRun ended.
type TerminalState string

const (
	StateDone            TerminalState = "Done"
	StateTimedOut        TerminalState = "TimedOut"
	StateBudgetExhausted TerminalState = "BudgetExhausted"
	StateAborted         TerminalState = "Aborted"
)

// Budgets bounds one run, per spec.md §4.4.
type Budgets struct {
	MaxIterations    int
	MaxToolCalls     int
	WallClockTimeout time.Duration
	PerCallTimeout   time.Duration
	HistoryWindow    int
}

// DefaultBudgets matches spec.md §4.4/§6's defaults exactly.
func DefaultBudgets() Budgets {
	return Budgets{
		MaxIterations:    8,
		MaxToolCalls:     30,
		WallClockTimeout: 90 * time.Second,
		PerCallTimeout:   30 * time.Second,
		HistoryWindow:    10,
	}
}

// ToolCaller is the subset of the Tool Server Manager's contract the
// planner depends on (satisfied by *toolserver.Manager).
type ToolCaller interface {
	ListAllTools() []types.ToolSpec
	Call(ctx context.Context, server, tool string, params json.RawMessage, timeout time.Duration) (json.RawMessage, *types.ToolError)
}

// Planner orchestrates runs.
type Planner struct {
	bridge  *llmbridge.Bridge
	tools   ToolCaller
	budgets Budgets
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New constructs a Planner. met may be nil, in which case metric recording
// is a no-op.
func New(bridge *llmbridge.Bridge, tools ToolCaller, budgets Budgets, log *slog.Logger, met *metrics.Metrics) *Planner {
	if log == nil {
		log = slog.Default()
	}
	return &Planner{bridge: bridge, tools: tools, budgets: budgets, log: log, metrics: met}
}

// RunResult is what core.run returns to the host process, per spec.md §6's
// programmatic API.
type RunResult struct {
	AssistantText string
	ToolCallsMade []types.ToolCall
	TerminalState TerminalState
}

// Run executes one PlannerRun: hydrate history, append the user message,
// then iterate Planning→Executing until Done, a budget is exhausted, the
// wall clock expires, or the bridge aborts, per spec.md §4.4's state
// machine.
func (p *Planner) Run(ctx context.Context, history []llmbridge.TranscriptMessage, userText string) RunResult {
	runCtx, cancel := context.WithTimeout(ctx, p.budgets.WallClockTimeout)
	defer cancel()

	// Catalog snapshot is immutable for the run's lifetime, per the design
	// notes' resolution of the capability hot-reload open question.
	catalogSlice := p.tools.ListAllTools()
	catalogByKey := make(map[string]types.ToolSpec, len(catalogSlice))
	for _, t := range catalogSlice {
		catalogByKey[t.Key()] = t
	}

	transcript := append([]llmbridge.TranscriptMessage{}, history...)
	transcript = append(transcript, llmbridge.TranscriptMessage{Role: types.RoleUser, Content: userText})

	var allCalls []types.ToolCall
	totalCalls := 0
	plannerErrCount := 0

	for iteration := 1; iteration <= p.budgets.MaxIterations; iteration++ {
		if runCtx.Err() != nil {
			p.metrics.RecordBudgetExhausted("wall_clock")
			return p.synthesize(transcript, StateTimedOut, allCalls)
		}

		plan, err := p.bridge.Decide(runCtx, llmbridge.Request{Transcript: transcript, Catalog: catalogSlice}, catalogByKey)
		if err != nil {
			plannerErrCount++
			if plannerErrCount >= 2 {
				return RunResult{
					AssistantText: politeFailureNotice,
					ToolCallsMade: allCalls,
					TerminalState: StateAborted,
				}
			}
			// One synthetic self-correction round, per spec.md §7's
			// MalformedPlan policy: feed the failure back as a tool
			// message and let the model try again.
			transcript = append(transcript, llmbridge.TranscriptMessage{
				Role:        types.RoleTool,
				ToolResults: []types.ToolResult{{OK: false, Err: toToolError(err)}},
			})
			continue
		}

		if plan.IsFinal {
			transcript = append(transcript, llmbridge.TranscriptMessage{Role: types.RoleAssistant, Content: plan.Final})
			return RunResult{AssistantText: plan.Final, ToolCallsMade: allCalls, TerminalState: StateDone}
		}

		allowed, denied := p.admitCalls(plan.ToolCalls, totalCalls)
		totalCalls += len(allowed)
		allCalls = append(allCalls, allowed...)

		results := p.executeAll(runCtx, allowed)
		transcript = append(transcript, llmbridge.TranscriptMessage{Role: types.RoleAssistant, ToolCalls: allowed})
		transcript = append(transcript, llmbridge.TranscriptMessage{Role: types.RoleTool, ToolResults: append(results, denied...)})

		if totalCalls >= p.budgets.MaxToolCalls {
			p.metrics.RecordBudgetExhausted("tool_calls")
			return p.synthesize(transcript, StateBudgetExhausted, allCalls)
		}
	}

	p.metrics.RecordBudgetExhausted("iterations")
	return p.synthesize(transcript, StateBudgetExhausted, allCalls)
}

// admitCalls enforces MAX_TOOL_CALLS: calls beyond the remaining budget are
// denied and reported back as synthetic BudgetExceeded tool results rather
// than dispatched, per spec.md §4.4's budget table.
func (p *Planner) admitCalls(calls []types.ToolCall, already int) (allowed []types.ToolCall, denied []types.ToolResult) {
	remaining := p.budgets.MaxToolCalls - already
	if remaining < 0 {
		remaining = 0
	}
	for i, c := range calls {
		if i < remaining {
			allowed = append(allowed, c)
			continue
		}
		denied = append(denied, types.ToolResult{
			CallID: c.CallID,
			OK:     false,
			Err:    types.NewToolError(types.ErrBudgetExceeded, "MAX_TOOL_CALLS exceeded"),
		})
	}
	return allowed, denied
}

// executeAll dispatches calls concurrently, each under an isolated failure
// context (one failing call must not affect the others — property P4),
// and returns results in the same order the model requested them, not
// completion order — grounded on the teacher's executor.go ExecuteAll
// index-preserving pattern.
func (p *Planner) executeAll(ctx context.Context, calls []types.ToolCall) []types.ToolResult {
	results := make([]types.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, c := range calls {
		wg.Add(1)
		go func(idx int, call types.ToolCall) {
			defer wg.Done()
			start := time.Now()
			payload, toolErr := p.tools.Call(ctx, call.ServerName, call.ToolName, call.Params, p.budgets.PerCallTimeout)
			results[idx] = types.ToolResult{
				CallID:   call.CallID,
				OK:       toolErr == nil,
				Payload:  payload,
				Err:      toolErr,
				WallTime: time.Since(start),
			}
		}(i, c)
	}
	wg.Wait()
	return results
}

// synthesize produces the best-effort final assistant message when a run
// does not end in a clean Done, per spec.md §4.4's exhaustion synthesis.
func (p *Planner) synthesize(transcript []llmbridge.TranscriptMessage, state TerminalState, calls []types.ToolCall) RunResult {
	synthCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req := llmbridge.Request{
		Transcript: transcript,
		Catalog:    nil, // instruct no further tool calls by omitting the catalog
		System:     "Produce a terminal natural-language answer now. Do not request any more tools.",
	}
	// synthCtx is deliberately derived from context.Background(), not ctx:
	// the run's own wall-clock budget may already be exhausted, but
	// synthesis gets its own short allowance so it isn't doomed to fail
	// instantly by an already-expired parent.
	plan, err := p.bridge.Decide(synthCtx, req, nil)
	if err != nil || !plan.IsFinal || plan.Final == "" {
		return RunResult{AssistantText: politeFailureNotice, ToolCallsMade: calls, TerminalState: state}
	}
	return RunResult{AssistantText: plan.Final, ToolCallsMade: calls, TerminalState: state}
}

const politeFailureNotice = "I'm sorry, I wasn't able to complete that request."

func toToolError(err error) *types.ToolError {
	if te, ok := err.(*types.ToolError); ok {
		return te
	}
	return types.NewToolError(types.ErrMalformedPlan, fmt.Sprintf("%v", err))
}
