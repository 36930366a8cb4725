// Package toolexec runs tool calls one at a time and lets a human answer
// elicitation requests the tool raises mid-flight. An execution starts with
// Execute, parks whenever the downstream server elicits, and resumes when
// Respond delivers the answer. Exactly one execution may be in flight across
// all servers; concurrent attempts are refused.
package toolexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcp-toolkit/mcp-bridge-go/clientmgr"
	"github.com/mcp-toolkit/mcp-bridge-go/internal/jsonrpc"
	"github.com/mcp-toolkit/mcp-bridge-go/internal/logctx"
)

const defaultElicitationTTL = 5 * time.Minute

var (
	// ErrExecutionActive is returned when an execution is already in flight.
	ErrExecutionActive = errors.New("another tool execution is already in progress")
	// ErrServerNotConnected is returned when the target server has no live session.
	ErrServerNotConnected = errors.New("server is not connected")
	// ErrNoActiveExecution is returned by Respond when no execution is parked.
	ErrNoActiveExecution = errors.New("no active tool execution")
	// ErrUnknownRequest is returned by Respond for a stale or unknown request id.
	ErrUnknownRequest = errors.New("unknown or expired elicitation request")
	// ErrElicitationTimeout fails an elicitation nobody answered in time.
	ErrElicitationTimeout = errors.New("elicitation request timed out")
	// ErrExecutionFinished fails elicitations orphaned by a finished execution.
	ErrExecutionFinished = errors.New("execution finished")
)

// ToolError wraps a downstream tool-call failure with the detail HTTP callers
// surface to their own clients.
type ToolError struct {
	Name    string
	Message string
	Code    any
	Data    any
	Cause   error
}

func (e *ToolError) Error() string { return e.Message }
func (e *ToolError) Unwrap() error { return e.Cause }

func newToolError(err error) *ToolError {
	te := &ToolError{Name: "Error", Message: err.Error(), Cause: err}
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		te.Code = int(rpcErr.Code)
		te.Data = rpcErr.Data
	}
	return te
}

// ElicitationRequest is the downstream server's question, relayed verbatim.
type ElicitationRequest struct {
	Message         string             `json:"message"`
	RequestedSchema *jsonschema.Schema `json:"requestedSchema,omitempty"`
}

// ElicitationPayload describes one parked elicitation: which execution raised
// it, the id a Respond call must quote, and the question itself.
type ElicitationPayload struct {
	ExecutionID string             `json:"executionId"`
	RequestID   string             `json:"requestId"`
	ServerID    string             `json:"serverId"`
	Request     ElicitationRequest `json:"request"`
	IssuedAt    time.Time          `json:"timestamp"`
}

// Outcome is the terminal-or-parked state of an Execute or Respond call.
type Outcome struct {
	// Completed is true when the tool call finished; Result then holds the
	// downstream result. Otherwise Elicitation holds the question blocking it.
	Completed   bool
	Result      *mcp.CallToolResult
	Elicitation *ElicitationPayload
}

type execResult struct {
	result *mcp.CallToolResult
	err    error
}

// executionContext is the singleton in-flight execution. The done channel
// settles exactly once; the elicit channel is a FIFO of questions the tool
// raised that nobody has seen yet.
type executionContext struct {
	id       string
	serverID string
	toolName string
	done     chan execResult
	elicit   chan *ElicitationPayload
}

// EngineOption configures an Engine.
type EngineOption func(*engineConfig)

type engineConfig struct {
	logger         *slog.Logger
	elicitationTTL time.Duration
}

// WithEngineLogger sets the slog logger. Logs are discarded if not provided.
func WithEngineLogger(log *slog.Logger) EngineOption {
	return func(c *engineConfig) { c.logger = log }
}

// WithElicitationTimeout overrides the 5m window a parked elicitation stays
// answerable.
func WithElicitationTimeout(d time.Duration) EngineOption {
	return func(c *engineConfig) { c.elicitationTTL = d }
}

// Engine owns the single-flight execution slot.
type Engine struct {
	mgr   clientmgr.ClientManager
	log   *slog.Logger
	coord *coordinator

	mu  sync.Mutex
	cur *executionContext
}

// NewEngine constructs an Engine over the client manager.
func NewEngine(mgr clientmgr.ClientManager, opts ...EngineOption) *Engine {
	cfg := &engineConfig{elicitationTTL: defaultElicitationTTL}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		mgr:   mgr,
		log:   slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		coord: newCoordinator(cfg.elicitationTTL),
	}
}

// Execute starts a tool call. It blocks until the call either finishes or
// parks on an elicitation, and reports which through the Outcome. A second
// Execute while one is in flight fails with ErrExecutionActive regardless of
// target server.
func (e *Engine) Execute(ctx context.Context, serverID, toolName string, params map[string]any) (*Outcome, error) {
	ec := &executionContext{
		id:       uuid.NewString(),
		serverID: serverID,
		toolName: toolName,
		done:     make(chan execResult, 1),
		elicit:   make(chan *ElicitationPayload, 16),
	}
	e.mu.Lock()
	if e.cur != nil {
		e.mu.Unlock()
		return nil, ErrExecutionActive
	}
	e.cur = ec
	e.mu.Unlock()

	if !e.mgr.IsConnected(serverID) {
		e.release(ec)
		return nil, fmt.Errorf("%w: %s", ErrServerNotConnected, serverID)
	}

	ctx = logctx.WithExecData(ctx, &logctx.ExecData{ExecutionID: ec.id, ServerID: serverID, ToolName: toolName})
	e.log.InfoContext(ctx, "exec.start")

	e.mgr.SetElicitationHandler(serverID, e.elicitationHandler(ec))

	// The call outlives the HTTP request that started it: a parked execution
	// must stay resumable after the /execute response is written.
	go func() {
		res, err := e.mgr.ExecuteTool(context.Background(), serverID, toolName, params)
		e.teardown(ec)
		ec.done <- execResult{result: res, err: err}
	}()

	return e.await(ctx, ec)
}

// Respond delivers a human answer to the parked elicitation and blocks until
// the execution finishes or parks again on the next question.
func (e *Engine) Respond(ctx context.Context, requestID string, response *mcp.ElicitResult) (*Outcome, error) {
	ec := e.current()
	if ec == nil {
		return nil, ErrNoActiveExecution
	}
	if !e.coord.resolve(requestID, response) {
		return nil, ErrUnknownRequest
	}

	ctx = logctx.WithExecData(ctx, &logctx.ExecData{ExecutionID: ec.id, ServerID: ec.serverID, ToolName: ec.toolName})
	e.log.InfoContext(ctx, "exec.resume", slog.String("request_id", requestID))

	return e.await(ctx, ec)
}

// Busy reports whether an execution is in flight.
func (e *Engine) Busy() bool {
	return e.current() != nil
}

func (e *Engine) current() *executionContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur
}

func (e *Engine) release(ec *executionContext) {
	e.mu.Lock()
	if e.cur == ec {
		e.cur = nil
	}
	e.mu.Unlock()
}

// await races completion against the next elicitation. A payload whose
// request id has already been evicted is skipped; the race then settles on
// the completion arm. The caller's context bounds the wait: the execution
// itself keeps running, but this awaiter stops watching it.
func (e *Engine) await(ctx context.Context, ec *executionContext) (*Outcome, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ec.done:
			if res.err != nil {
				e.log.WarnContext(ctx, "exec.fail", slog.String("err", res.err.Error()))
				return nil, newToolError(res.err)
			}
			e.log.InfoContext(ctx, "exec.done")
			return &Outcome{Completed: true, Result: res.result}, nil
		case p := <-ec.elicit:
			if !e.coord.has(p.RequestID) {
				continue
			}
			e.log.InfoContext(ctx, "exec.elicitation", slog.String("request_id", p.RequestID))
			return &Outcome{Elicitation: p}, nil
		}
	}
}

// elicitationHandler bridges the SDK callback into the engine: publish the
// question, block until the coordinator delivers an answer or gives up.
func (e *Engine) elicitationHandler(ec *executionContext) clientmgr.ElicitationHandler {
	return func(ctx context.Context, req *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
		requestID := uuid.NewString()
		payload := &ElicitationPayload{
			ExecutionID: ec.id,
			RequestID:   requestID,
			ServerID:    ec.serverID,
			IssuedAt:    time.Now().UTC(),
		}
		if req != nil && req.Params != nil {
			payload.Request.Message = req.Params.Message
			if s, ok := req.Params.RequestedSchema.(*jsonschema.Schema); ok {
				payload.Request.RequestedSchema = s
			}
		}

		wait := e.coord.register(requestID, ec.serverID)
		select {
		case ec.elicit <- payload:
		case <-ctx.Done():
			e.coord.reject(requestID, ctx.Err())
			return nil, ctx.Err()
		}

		select {
		case out := <-wait:
			if out.err != nil {
				return nil, out.err
			}
			return out.result, nil
		case <-ctx.Done():
			e.coord.reject(requestID, ctx.Err())
			return nil, ctx.Err()
		}
	}
}

// teardown clears everything the execution pinned: the server's elicitation
// handler, queued payloads nobody consumed, and coordinator entries that
// would otherwise strand a Respond caller. The slot is released last: until
// then a new Execute is refused, so it can never install a handler or
// register pendings that this cleanup would wipe.
func (e *Engine) teardown(ec *executionContext) {
	e.mgr.ClearElicitationHandler(ec.serverID)
	for drained := false; !drained; {
		select {
		case <-ec.elicit:
		default:
			drained = true
		}
	}
	e.coord.rejectServer(ec.serverID, ErrExecutionFinished)
	e.release(ec)
}
