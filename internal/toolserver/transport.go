package toolserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentcore/agentcore/internal/backoff"
	"github.com/agentcore/agentcore/internal/metrics"
	"github.com/agentcore/agentcore/pkg/types"
)

// maxProtocolErrors is the number of consecutive malformed lines that
// trigger a server restart, per spec.md §4.1.
const maxProtocolErrors = 3

// zombieGrace is how long a timed-out request id is remembered so a late
// response does not get misdelivered to a later caller reusing the id.
const zombieGrace = 2 * time.Minute

// restartPolicy is the TSM's exponential backoff: 1s, 2s, 4s, ... capped at
// 30s, as spec.md §4.1 names exactly (not the teacher's own 100ms-start
// DefaultPolicy()).
var restartPolicy = backoff.BackoffPolicy{InitialMs: 1000, MaxMs: 30000, Factor: 2, Jitter: 0}

// pendingCall is the completion slot a caller suspends on.
type pendingCall struct {
	resultCh chan jsonrpcResponse
}

// stdioServer owns one tool-server child process: its command line, pipes,
// pending-request table, and restart bookkeeping. Grounded on the teacher's
// internal/mcp/transport_stdio.go StdioTransport, generalized to this spec's
// bare tools/list + tools/call subset (no initialize handshake).
type stdioServer struct {
	id      string
	command string
	args    []string
	log     *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	ready   bool
	tools   map[string]types.ToolSpec // tool_name -> spec, snapshot for this server
	nextID  int64
	pending map[int64]*pendingCall
	zombies map[int64]time.Time

	protocolErrors int32
	restartAttempt int
	stopped        atomic.Bool
	readerDone     chan struct{}

	onCrash   func(serverID string)
	onRestart func(serverID string, tools []types.ToolSpec)

	metrics *metrics.Metrics

	// sem bounds the number of in-flight tools/call requests against this
	// server (spec.md §9's per-server concurrency open question, resolved
	// as a bounded in-flight counter). nil means unlimited, matching the
	// teacher's Executor.config.Concurrency knob defaulting "off".
	sem chan struct{}
}

func newStdioServer(id, command string, args []string, maxConcurrency int, log *slog.Logger) *stdioServer {
	s := &stdioServer{
		id:      id,
		command: command,
		args:    args,
		log:     log,
		pending: make(map[int64]*pendingCall),
		zombies: make(map[int64]time.Time),
		tools:   make(map[string]types.ToolSpec),
	}
	if maxConcurrency > 0 {
		s.sem = make(chan struct{}, maxConcurrency)
	}
	return s
}

// start spawns the process and performs capability discovery, blocking up
// to startupTimeout for the first successful tools/list response.
func (s *stdioServer) start(ctx context.Context, startupTimeout time.Duration) error {
	if err := s.spawn(); err != nil {
		return err
	}

	discCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	tools, err := s.discover(discCtx)
	if err != nil {
		s.killProcess()
		return err
	}

	s.mu.Lock()
	s.ready = true
	for _, t := range tools {
		s.tools[t.ToolName] = t
	}
	s.mu.Unlock()
	return nil
}

func (s *stdioServer) spawn() error {
	cmd := exec.Command(s.command, s.args...) // #nosec G204 -- command comes from trusted TOOL_SERVER_<N>_CMD config
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("toolserver %s: stdin pipe: %w", s.id, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("toolserver %s: stdout pipe: %w", s.id, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("toolserver %s: stderr pipe: %w", s.id, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("toolserver %s: start: %w", s.id, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.mu.Unlock()

	s.readerDone = make(chan struct{})
	go s.readLoop(stdout)
	go s.logStderr(stderr)
	go s.waitProcess()

	return nil
}

// discover issues tools/list and waits for its response, serving as both
// the readiness signal and the catalog source, per spec.md §4.1 step 2-3.
func (s *stdioServer) discover(ctx context.Context) ([]types.ToolSpec, error) {
	resp, err := s.request(ctx, "tools/list", json.RawMessage(`{}`))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("toolserver %s: tools/list error: %s", s.id, resp.Error.Message)
	}
	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("toolserver %s: malformed tools/list result: %w", s.id, err)
	}
	specs := make([]types.ToolSpec, 0, len(result.Tools))
	for _, t := range result.Tools {
		if err := validateSchema(t.InputSchema); err != nil {
			s.log.Warn("tool server declared an invalid input schema, dropping tool",
				"server", s.id, "tool", t.Name, "error", err)
			continue
		}
		specs = append(specs, types.ToolSpec{
			ServerName:  s.id,
			ToolName:    t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return specs, nil
}

// validateSchema rejects a declared inputSchema that does not itself
// compile as a valid JSON Schema document, using the same validator
// internal/llmbridge uses to check tool-call parameters against this same
// schema later. An empty schema (no parameter validation declared) is
// accepted as-is.
func validateSchema(schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	const resourceURL = "inputSchema.json"
	if err := compiler.AddResource(resourceURL, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	_, err := compiler.Compile(resourceURL)
	return err
}

// request allocates the next monotonic request_id, registers a completion
// slot, writes the request under the implicit per-server write
// serialization (stdin writes happen only from this goroutine's caller,
// guarded by s.mu for the write itself), and waits for the matching
// response, context cancellation, or server exit.
func (s *stdioServer) request(ctx context.Context, method string, params json.RawMessage) (jsonrpcResponse, error) {
	id := atomic.AddInt64(&s.nextID, 1)

	slot := &pendingCall{resultCh: make(chan jsonrpcResponse, 1)}
	s.mu.Lock()
	if s.stdin == nil {
		s.mu.Unlock()
		return jsonrpcResponse{}, fmt.Errorf("toolserver %s: not started", s.id)
	}
	s.pending[id] = slot
	stdin := s.stdin
	s.mu.Unlock()

	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	line, err := json.Marshal(req)
	if err != nil {
		s.dropPending(id)
		return jsonrpcResponse{}, fmt.Errorf("toolserver %s: marshal request: %w", s.id, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	_, writeErr := stdin.Write(line)
	s.mu.Unlock()
	if writeErr != nil {
		s.dropPending(id)
		return jsonrpcResponse{}, fmt.Errorf("toolserver %s: write request: %w", s.id, writeErr)
	}

	select {
	case resp := <-slot.resultCh:
		return resp, nil
	case <-ctx.Done():
		s.markZombie(id)
		return jsonrpcResponse{}, ctx.Err()
	case <-s.readerDone:
		s.dropPending(id)
		return jsonrpcResponse{}, fmt.Errorf("toolserver %s: server exited", s.id)
	}
}

func (s *stdioServer) dropPending(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *stdioServer) markZombie(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.zombies[id] = time.Now()
	now := time.Now()
	for zid, at := range s.zombies {
		if now.Sub(at) > zombieGrace {
			delete(s.zombies, zid)
		}
	}
	s.mu.Unlock()
}

// readLoop is the single reader task per server: it scans newline-delimited
// JSON, routes by id to the waiting slot, and restarts the process after
// three consecutive malformed lines.
func (s *stdioServer) readLoop(stdout io.ReadCloser) {
	defer close(s.readerDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.processLine(line)
	}
}

func (s *stdioServer) processLine(line []byte) {
	var resp jsonrpcResponse
	if err := json.Unmarshal(line, &resp); err != nil || resp.ID == nil {
		// Either malformed JSON or a notification (no id) - notifications
		// are discarded per spec.md §4.1 except a reserved "log" method,
		// which is not distinguishable from here without re-parsing; log
		// and move on.
		var notif jsonrpcNotification
		if err2 := json.Unmarshal(line, &notif); err2 == nil && notif.Method != "" {
			if notif.Method == "log" {
				s.log.Info("tool server log notification", "server", s.id, "params", string(notif.Params))
			}
			return
		}
		n := atomic.AddInt32(&s.protocolErrors, 1)
		s.log.Warn("malformed line from tool server", "server", s.id, "count", n)
		s.metrics.RecordProtocolError(s.id)
		if n >= maxProtocolErrors {
			atomic.StoreInt32(&s.protocolErrors, 0)
			// Killing the process hands off to waitProcess, which fails the
			// pending calls and schedules the restart.
			s.killProcess()
		}
		return
	}

	atomic.StoreInt32(&s.protocolErrors, 0)

	s.mu.Lock()
	slot, ok := s.pending[*resp.ID]
	if ok {
		delete(s.pending, *resp.ID)
	} else {
		_, isZombie := s.zombies[*resp.ID]
		delete(s.zombies, *resp.ID)
		if !isZombie {
			s.log.Warn("unknown response id from tool server", "server", s.id, "id", *resp.ID)
		}
	}
	s.mu.Unlock()

	if ok {
		slot.resultCh <- resp
	}
}

func (s *stdioServer) logStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.log.Info("tool server stderr", "server", s.id, "line", scanner.Text())
	}
}

func (s *stdioServer) waitProcess() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return
	}
	_ = cmd.Wait()

	if s.stopped.Load() {
		return
	}

	s.mu.Lock()
	s.ready = false
	failed := make([]*pendingCall, 0, len(s.pending))
	for id, slot := range s.pending {
		failed = append(failed, slot)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	for _, slot := range failed {
		slot.resultCh <- jsonrpcResponse{Error: &jsonrpcError{Message: string(types.ErrServerCrashed)}}
	}

	if s.onCrash != nil {
		s.onCrash(s.id)
	}
	go s.scheduleRestart("crash")
}

// scheduleRestart implements the restart policy from spec.md §4.1:
// exponential backoff starting at 1s, doubling, capped at 30s.
func (s *stdioServer) scheduleRestart(reason string) {
	if s.stopped.Load() {
		return
	}
	s.mu.Lock()
	s.restartAttempt++
	attempt := s.restartAttempt
	s.mu.Unlock()

	delay := backoff.ComputeBackoff(restartPolicy, attempt)
	s.log.Warn("scheduling tool server restart", "server", s.id, "reason", reason, "delay", delay, "attempt", attempt)
	s.metrics.RecordRestart(s.id, reason)
	time.Sleep(delay)

	if s.stopped.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.start(ctx, 30*time.Second); err != nil {
		s.log.Error("tool server restart failed", "server", s.id, "error", err)
		go s.scheduleRestart("restart_failed")
		return
	}

	s.mu.Lock()
	s.restartAttempt = 0
	tools := make([]types.ToolSpec, 0, len(s.tools))
	for _, t := range s.tools {
		tools = append(tools, t)
	}
	s.mu.Unlock()

	s.log.Info("tool server restarted", "server", s.id)
	if s.onRestart != nil {
		s.onRestart(s.id, tools)
	}
}

// callTool issues tools/call against this server for a named tool.
func (s *stdioServer) callTool(ctx context.Context, toolName string, params json.RawMessage) (json.RawMessage, *types.ToolError) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if !ready {
		return nil, types.NewToolError(types.ErrServerUnavailable, fmt.Sprintf("server %s is not ready", s.id))
	}

	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			return nil, types.NewToolError(types.ErrCallTimeout, fmt.Sprintf("server %s: timed out waiting for a concurrency slot", s.id))
		}
	}

	p, _ := json.Marshal(callToolParams{Name: toolName, Arguments: params})
	resp, err := s.request(ctx, "tools/call", p)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewToolError(types.ErrCallTimeout, err.Error())
		}
		return nil, types.NewToolError(types.ErrServerCrashed, err.Error())
	}
	if resp.Error != nil {
		return nil, types.NewToolError(types.ErrRemoteError, resp.Error.Message).WithCode(resp.Error.Code)
	}
	return resp.Result, nil
}

func (s *stdioServer) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *stdioServer) snapshotTools() []types.ToolSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ToolSpec, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t)
	}
	return out
}

// shutdown sends SIGTERM, waits up to grace, then SIGKILL, per spec.md §4.1
// and §5.
func (s *stdioServer) shutdown(grace time.Duration) {
	s.stopped.Store(true)

	s.mu.Lock()
	cmd := s.cmd
	pending := make([]*pendingCall, 0, len(s.pending))
	for id, slot := range s.pending {
		pending = append(pending, slot)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	for _, slot := range pending {
		slot.resultCh <- jsonrpcResponse{Error: &jsonrpcError{Message: string(types.ErrServerCrashed)}}
	}

	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		_ = cmd.Process.Kill()
		<-done
	}
}

func (s *stdioServer) killProcess() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
