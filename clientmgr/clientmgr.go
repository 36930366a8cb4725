// Package clientmgr maintains live connections to downstream MCP servers and
// exposes the narrow surface the bridge dispatches against: enumerate
// servers, list and invoke their tools, read resources, fetch prompts, and
// route elicitation requests back to whichever part of the bridge is able to
// answer them.
package clientmgr

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ElicitationHandler answers a mid-call request for structured human input.
// It blocks the downstream tool call until it returns.
type ElicitationHandler func(ctx context.Context, req *mcp.ElicitRequest) (*mcp.ElicitResult, error)

// ElicitationEvent is handed to the global elicitation callback when no
// server-specific handler is registered.
type ElicitationEvent struct {
	ServerID  string
	RequestID string
	Message   string
	Schema    any
	Params    *mcp.ElicitRequest
	CreatedAt time.Time
}

// ElicitationCallback is the process-wide fallback for elicitation requests.
// Implementations block until an answer is available or ctx is done.
type ElicitationCallback func(ctx context.Context, event *ElicitationEvent) (*mcp.ElicitResult, error)

// ClientManager is the collaborator surface the bridge components depend on.
// *Manager implements it; tests substitute fakes.
type ClientManager interface {
	// ListServers returns the ids of all registered servers, sorted.
	ListServers() []string
	// IsConnected reports whether a live session exists for the server.
	IsConnected(serverID string) bool

	ListTools(ctx context.Context, serverID string) (*mcp.ListToolsResult, error)
	ExecuteTool(ctx context.Context, serverID, toolName string, args map[string]any) (*mcp.CallToolResult, error)
	ListResources(ctx context.Context, serverID string) (*mcp.ListResourcesResult, error)
	ReadResource(ctx context.Context, serverID, uri string) (*mcp.ReadResourceResult, error)
	ListPrompts(ctx context.Context, serverID string) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, serverID, name string, args map[string]string) (*mcp.GetPromptResult, error)

	// SetElicitationHandler installs a handler consulted first for
	// elicitations raised by the given server. A nil handler clears it.
	SetElicitationHandler(serverID string, h ElicitationHandler)
	ClearElicitationHandler(serverID string)
	// SetElicitationCallback installs the process-wide fallback used when no
	// server-specific handler is registered.
	SetElicitationCallback(cb ElicitationCallback)
}
