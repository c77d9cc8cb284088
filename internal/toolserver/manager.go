// Package toolserver implements the Tool Server Manager (TSM): it owns a
// pool of long-running child processes, each speaking a line-delimited
// JSON-RPC-2.0 subset on stdio, and exposes them through a uniform
// call(server, tool, params, timeout) interface. Grounded on the teacher's
// internal/mcp package (manager.go's multi-server registry, client.go's
// per-connection lifecycle, transport_stdio.go's pending-request table),
// trimmed of MCP's initialize handshake, resources, prompts, and sampling
// features that have no analogue in this spec.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentcore/agentcore/internal/config"
	"github.com/agentcore/agentcore/internal/metrics"
	"github.com/agentcore/agentcore/pkg/types"
)

// Manager owns every configured tool server and the aggregated tool
// catalog. Catalog updates (initial discovery, post-restart refresh) are
// published atomically: callers see either the whole old view or the whole
// new view, never a partial one, per spec.md §5.
type Manager struct {
	log *slog.Logger

	mu      sync.RWMutex
	servers map[string]*stdioServer
	catalog map[string]types.ToolSpec // "(server)::(tool)" -> spec

	startupTimeout time.Duration
	metrics        *metrics.Metrics
}

// New constructs a Manager from resolved tool-server configuration. It does
// not start any server; call Start for that. met may be nil, in which case
// metric recording is a no-op.
func New(cfg []config.ToolServerConfig, startupTimeout time.Duration, log *slog.Logger, met *metrics.Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		log:            log,
		servers:        make(map[string]*stdioServer),
		catalog:        make(map[string]types.ToolSpec),
		startupTimeout: startupTimeout,
		metrics:        met,
	}
	for _, sc := range cfg {
		srv := newStdioServer(sc.ID, sc.Command, sc.Args, sc.MaxConcurrency, log)
		srv.metrics = met
		srv.onCrash = m.handleCrash
		srv.onRestart = m.handleRestart
		m.servers[sc.ID] = srv
	}
	return m
}

// Start spawns every configured server and runs capability discovery in
// parallel. A server that fails discovery within StartupTimeout is marked
// failed; its tools are simply absent from the catalog (spec.md §4.1 step
// 4) — Start itself does not fail because of one bad server.
func (m *Manager) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for id, srv := range m.servers {
		wg.Add(1)
		go func(id string, srv *stdioServer) {
			defer wg.Done()
			if err := srv.start(ctx, m.startupTimeout); err != nil {
				m.log.Error("tool server failed startup", "server", id, "error", err)
				return
			}
			m.publishTools(id, srv.snapshotTools())
		}(id, srv)
	}
	wg.Wait()
}

func (m *Manager) publishTools(serverID string, tools []types.ToolSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.catalog {
		// drop previous entries for this server before republishing, so a
		// shrinking tool set is reflected
		if m.catalog[k].ServerName == serverID {
			delete(m.catalog, k)
		}
	}
	for _, t := range tools {
		m.catalog[t.Key()] = t
	}
}

func (m *Manager) handleCrash(serverID string) {
	m.mu.Lock()
	for k, spec := range m.catalog {
		if spec.ServerName == serverID {
			delete(m.catalog, k)
		}
	}
	m.mu.Unlock()
	m.log.Warn("tool server crashed, catalog entries removed", "server", serverID)
}

func (m *Manager) handleRestart(serverID string, tools []types.ToolSpec) {
	m.publishTools(serverID, tools)
}

// ListAllTools returns a snapshot of every tool across all ready servers.
// This operation never fails, per spec.md §4.1's public contract table.
func (m *Manager) ListAllTools() []types.ToolSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ToolSpec, 0, len(m.catalog))
	for _, t := range m.catalog {
		out = append(out, t)
	}
	return out
}

// Call dispatches one tool invocation. A (server, tool) pair absent from
// the catalog is rejected before it ever reaches a subprocess, per data
// model invariant 2 and property P7.
func (m *Manager) Call(ctx context.Context, server, tool string, params json.RawMessage, timeout time.Duration) (json.RawMessage, *types.ToolError) {
	m.mu.RLock()
	_, known := m.catalog[types.ToolSpec{ServerName: server, ToolName: tool}.Key()]
	srv := m.servers[server]
	m.mu.RUnlock()

	if !known || srv == nil {
		return nil, types.NewToolError(types.ErrNoSuchTool, fmt.Sprintf("no such tool %s::%s", server, tool))
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	payload, toolErr := srv.callTool(callCtx, tool, params)
	outcome := "ok"
	if toolErr != nil {
		outcome = string(toolErr.Kind)
	}
	m.metrics.RecordToolCall(server, tool, outcome, time.Since(start).Seconds())
	return payload, toolErr
}

// Shutdown terminates every server: SIGTERM, escalating to SIGKILL after
// grace (default 5s), per spec.md §4.1 and §5.
func (m *Manager) Shutdown(grace time.Duration) {
	var wg sync.WaitGroup
	for _, srv := range m.servers {
		wg.Add(1)
		go func(srv *stdioServer) {
			defer wg.Done()
			srv.shutdown(grace)
		}(srv)
	}
	wg.Wait()
}
