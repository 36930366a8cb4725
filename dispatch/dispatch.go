// Package dispatch translates JSON-RPC requests into client-manager calls and
// shapes the results back into JSON-RPC responses. It is a pure translation
// layer: no transport concerns, no session state.
//
// Two response-shaping conventions exist for historical reasons. Adapter mode
// passes downstream results through raw and surfaces tool failures as
// JSON-RPC errors. Manager mode wraps results as protocol CallToolResult
// envelopes and reports tool failures inside a successful envelope with
// isError set, so conforming clients treat them as tool-level rather than
// transport-level failures.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcp-toolkit/mcp-bridge-go/clientmgr"
	"github.com/mcp-toolkit/mcp-bridge-go/internal/jsonrpc"
	"github.com/mcp-toolkit/mcp-bridge-go/internal/logctx"
)

// Mode selects the response-shaping convention.
type Mode int

const (
	// ModeAdapter passes downstream results through unmodified.
	ModeAdapter Mode = iota
	// ModeManager wraps results as protocol CallToolResult envelopes.
	ModeManager
)

func (m Mode) String() string {
	if m == ModeAdapter {
		return "adapter"
	}
	return "manager"
}

const protocolVersion = "2025-06-18"

// Dispatcher routes JSON-RPC methods to the client manager.
type Dispatcher struct {
	mgr clientmgr.ClientManager
	log *slog.Logger
}

// New constructs a Dispatcher. A nil logger discards.
func New(mgr clientmgr.ClientManager, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{mgr: mgr, log: log}
}

// ResolveServerID maps the requested id onto a registered server, trying an
// exact match first and a case-insensitive match second. The input is
// returned unchanged when nothing matches; downstream calls then fail with
// the ordinary unknown-server error.
func (d *Dispatcher) ResolveServerID(serverID string) string {
	ids := d.mgr.ListServers()
	for _, id := range ids {
		if id == serverID {
			return id
		}
	}
	for _, id := range ids {
		if strings.EqualFold(id, serverID) {
			return id
		}
	}
	return serverID
}

// Dispatch runs one request against the server and returns the response, or
// nil for notifications. It never panics: unexpected failures become -32000
// responses.
func (d *Dispatcher) Dispatch(ctx context.Context, serverID string, req *jsonrpc.Request, mode Mode) (resp *jsonrpc.Response) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String()})

	defer func() {
		if r := recover(); r != nil {
			d.log.ErrorContext(ctx, "dispatch.panic", slog.Any("panic", r))
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerError, fmt.Sprintf("internal error: %v", r), nil)
		}
		if resp != nil && req.IsNotification() {
			resp = nil
		}
	}()

	serverID = d.ResolveServerID(serverID)

	if req.IsNotification() {
		// Side effects only; the bridge has none for the notification
		// methods clients send today.
		d.log.DebugContext(ctx, "dispatch.notification")
		return nil
	}

	result, err := d.call(ctx, serverID, req, mode)
	if err != nil {
		if rpcErr, ok := err.(*jsonrpc.Error); ok {
			return &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: rpcErr, ID: req.ID}
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerError, err.Error(), nil)
	}

	out, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		d.log.ErrorContext(ctx, "dispatch.encode.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode result", nil)
	}
	return out
}

func (d *Dispatcher) call(ctx context.Context, serverID string, req *jsonrpc.Request, mode Mode) (any, error) {
	switch req.Method {
	case "ping":
		return map[string]any{}, nil

	case "initialize":
		return d.initializeResult(mode), nil

	case "tools/list":
		res, err := d.mgr.ListTools(ctx, serverID)
		if err != nil {
			return nil, err
		}
		return res, nil

	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		res, err := d.mgr.ExecuteTool(ctx, serverID, params.Name, params.Arguments)
		if err != nil {
			if mode == ModeManager {
				// Tool-level failure: successful envelope, isError result.
				return &mcp.CallToolResult{
					Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Tool execution failed: %v", err)}},
					IsError: true,
				}, nil
			}
			return nil, err
		}
		if mode == ModeManager {
			return wrapCallToolResult(res), nil
		}
		return res, nil

	case "resources/list":
		return d.mgr.ListResources(ctx, serverID)

	case "resources/read":
		var params struct {
			URI string `json:"uri"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		return d.mgr.ReadResource(ctx, serverID, params.URI)

	case "prompts/list":
		return d.mgr.ListPrompts(ctx, serverID)

	case "prompts/get":
		var params struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		return d.mgr.GetPrompt(ctx, serverID, params.Name, params.Arguments)

	case "roots/list":
		return map[string]any{"roots": []any{}}, nil

	case "logging/setLevel":
		return map[string]any{}, nil

	default:
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
}

func (d *Dispatcher) initializeResult(mode Mode) map[string]any {
	if mode == ModeAdapter {
		return map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools":     map[string]any{"listChanged": true},
				"resources": map[string]any{"subscribe": false, "listChanged": true},
				"roots":     map[string]any{"listChanged": true},
			},
			"serverInfo": map[string]any{"name": "mcp-bridge-adapter", "version": "1.0.0"},
		}
	}
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":       true,
			"prompts":     true,
			"resources":   true,
			"elicitation": map[string]any{},
		},
		"serverInfo": map[string]any{"name": "mcp-bridge", "version": "1.0.0"},
	}
}

// wrapCallToolResult normalizes a downstream result into a protocol
// CallToolResult. Results from the go-sdk are already shaped; a result with
// no content blocks gets its structured payload rendered as text so older
// clients see something.
func wrapCallToolResult(res *mcp.CallToolResult) *mcp.CallToolResult {
	if res == nil {
		return &mcp.CallToolResult{Content: []mcp.Content{}}
	}
	if len(res.Content) == 0 && res.StructuredContent != nil {
		text, err := json.Marshal(res.StructuredContent)
		if err == nil {
			out := *res
			out.Content = []mcp.Content{&mcp.TextContent{Text: string(text)}}
			return &out
		}
	}
	return res
}

func unmarshalParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}
