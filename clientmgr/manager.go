package clientmgr

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const defaultCallTimeout = 30 * time.Second

// Manager is the go-sdk backed ClientManager implementation. It owns one
// client session per configured server, reconnecting lazily when a session
// drops, and routes elicitation requests to the registered handler for the
// raising server, falling back to the process-wide callback.
type Manager struct {
	mu sync.RWMutex

	clientName    string
	clientVersion string
	callTimeout   time.Duration
	log           *slog.Logger

	states map[string]*serverState

	elicitations map[string]ElicitationHandler
	elicitCB     ElicitationCallback
}

type serverState struct {
	config  ServerConfig
	session *mcp.ClientSession
}

var _ ClientManager = (*Manager)(nil)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClientInfo sets the client name/version advertised to servers.
func WithClientInfo(name, version string) ManagerOption {
	return func(m *Manager) { m.clientName, m.clientVersion = name, version }
}

// WithCallTimeout sets the default per-call timeout.
func WithCallTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.callTimeout = d }
}

// WithLogger sets the slog logger; logs are discarded by default.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// NewManager constructs a Manager with the given server configurations.
// Sessions are established lazily on first use; call Connect to establish one
// eagerly.
func NewManager(configs map[string]ServerConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		clientName:    "mcp-bridge",
		clientVersion: "0.1.0",
		callTimeout:   defaultCallTimeout,
		log:           slog.New(slog.DiscardHandler),
		states:        make(map[string]*serverState),
		elicitations:  make(map[string]ElicitationHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	for id, sc := range configs {
		m.states[id] = &serverState{config: sc}
	}
	return m
}

// AddServer registers (or replaces) a server configuration. An existing
// session for the id keeps running until Disconnect or session loss.
func (m *Manager) AddServer(serverID string, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[serverID]; ok {
		st.config = cfg
		return nil
	}
	m.states[serverID] = &serverState{config: cfg}
	return nil
}

// RemoveServer drops the configuration and closes any live session.
func (m *Manager) RemoveServer(serverID string) {
	m.mu.Lock()
	st := m.states[serverID]
	delete(m.states, serverID)
	delete(m.elicitations, serverID)
	m.mu.Unlock()
	if st != nil && st.session != nil {
		_ = st.session.Close()
	}
}

// ApplyConfig reconciles the registered servers against a freshly loaded
// configuration: new ids are added, missing ids are removed, and changed
// entries are replaced with their session closed so the next use redials with
// the new settings.
func (m *Manager) ApplyConfig(ctx context.Context, configs map[string]ServerConfig) {
	for _, id := range m.ListServers() {
		if _, ok := configs[id]; !ok {
			m.log.Info("server.remove", slog.String("server_id", id))
			m.RemoveServer(id)
		}
	}
	for id, cfg := range configs {
		m.mu.RLock()
		st, known := m.states[id]
		changed := known && !st.config.Equal(cfg)
		m.mu.RUnlock()

		if known && !changed {
			continue
		}
		if changed {
			m.log.Info("server.replace", slog.String("server_id", id))
			_ = m.Disconnect(id)
		} else {
			m.log.Info("server.add", slog.String("server_id", id))
		}
		if err := m.AddServer(id, cfg); err != nil {
			m.log.Warn("server.add.fail", slog.String("server_id", id), slog.String("err", err.Error()))
			continue
		}
		if err := m.Connect(ctx, id); err != nil {
			m.log.Warn("server.connect.fail", slog.String("server_id", id), slog.String("err", err.Error()))
		}
	}
}

// ListServers implements ClientManager.
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsConnected implements ClientManager.
func (m *Manager) IsConnected(serverID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	return ok && st.session != nil
}

// Connect establishes a session for the server, reusing a live one.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	_, err := m.ensureSession(ctx, serverID)
	return err
}

// Disconnect closes the session for the server, if any. The configuration is
// retained so a later call can reconnect.
func (m *Manager) Disconnect(serverID string) error {
	m.mu.Lock()
	st, ok := m.states[serverID]
	var sess *mcp.ClientSession
	if ok {
		sess = st.session
		st.session = nil
	}
	m.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}

// Close disconnects every server.
func (m *Manager) Close() error {
	var first error
	for _, id := range m.ListServers() {
		if err := m.Disconnect(id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ListTools implements ClientManager.
func (m *Manager) ListTools(ctx context.Context, serverID string) (*mcp.ListToolsResult, error) {
	sess, timeout, err := m.sessionFor(ctx, serverID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := sess.ListTools(ctx, nil)
	if err != nil && isMethodUnsupported(err) {
		return &mcp.ListToolsResult{Tools: []*mcp.Tool{}}, nil
	}
	return res, err
}

// ExecuteTool implements ClientManager. Tool calls are not bounded by the
// per-call timeout: a call may legitimately block for minutes waiting on
// elicitation round trips.
func (m *Manager) ExecuteTool(ctx context.Context, serverID, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	if toolName == "" {
		return nil, fmt.Errorf("clientmgr: tool name is required")
	}
	sess, _, err := m.sessionFor(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return sess.CallTool(ctx, &mcp.CallToolParams{Name: toolName, Arguments: args})
}

// ListResources implements ClientManager.
func (m *Manager) ListResources(ctx context.Context, serverID string) (*mcp.ListResourcesResult, error) {
	sess, timeout, err := m.sessionFor(ctx, serverID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := sess.ListResources(ctx, nil)
	if err != nil && isMethodUnsupported(err) {
		return &mcp.ListResourcesResult{Resources: []*mcp.Resource{}}, nil
	}
	return res, err
}

// ReadResource implements ClientManager.
func (m *Manager) ReadResource(ctx context.Context, serverID, uri string) (*mcp.ReadResourceResult, error) {
	sess, timeout, err := m.sessionFor(ctx, serverID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return sess.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
}

// ListPrompts implements ClientManager.
func (m *Manager) ListPrompts(ctx context.Context, serverID string) (*mcp.ListPromptsResult, error) {
	sess, timeout, err := m.sessionFor(ctx, serverID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := sess.ListPrompts(ctx, nil)
	if err != nil && isMethodUnsupported(err) {
		return &mcp.ListPromptsResult{Prompts: []*mcp.Prompt{}}, nil
	}
	return res, err
}

// GetPrompt implements ClientManager.
func (m *Manager) GetPrompt(ctx context.Context, serverID, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	sess, timeout, err := m.sessionFor(ctx, serverID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return sess.GetPrompt(ctx, &mcp.GetPromptParams{Name: name, Arguments: args})
}

// SetElicitationHandler implements ClientManager.
func (m *Manager) SetElicitationHandler(serverID string, h ElicitationHandler) {
	m.mu.Lock()
	if h == nil {
		delete(m.elicitations, serverID)
	} else {
		m.elicitations[serverID] = h
	}
	m.mu.Unlock()
}

// ClearElicitationHandler implements ClientManager.
func (m *Manager) ClearElicitationHandler(serverID string) {
	m.SetElicitationHandler(serverID, nil)
}

// SetElicitationCallback implements ClientManager.
func (m *Manager) SetElicitationCallback(cb ElicitationCallback) {
	m.mu.Lock()
	m.elicitCB = cb
	m.mu.Unlock()
}

func (m *Manager) sessionFor(ctx context.Context, serverID string) (*mcp.ClientSession, time.Duration, error) {
	sess, err := m.ensureSession(ctx, serverID)
	if err != nil {
		return nil, 0, err
	}
	m.mu.RLock()
	timeout := m.callTimeout
	if st, ok := m.states[serverID]; ok && st.config.Timeout > 0 {
		timeout = st.config.Timeout
	}
	m.mu.RUnlock()
	return sess, timeout, nil
}

func (m *Manager) ensureSession(ctx context.Context, serverID string) (*mcp.ClientSession, error) {
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("clientmgr: unknown server %q", serverID)
	}
	if st.session != nil {
		sess := st.session
		m.mu.Unlock()
		return sess, nil
	}
	cfg := st.config
	m.mu.Unlock()

	sess, err := m.dial(ctx, serverID, cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if st.session != nil {
		// Lost the dial race; keep the winner.
		winner := st.session
		m.mu.Unlock()
		_ = sess.Close()
		return winner, nil
	}
	st.session = sess
	m.mu.Unlock()

	go m.watchSession(serverID, sess)
	return sess, nil
}

func (m *Manager) dial(ctx context.Context, serverID string, cfg ServerConfig) (*mcp.ClientSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := mcp.NewClient(
		&mcp.Implementation{Name: m.clientName, Version: m.clientVersion},
		&mcp.ClientOptions{ElicitationHandler: m.routeElicitation(serverID)},
	)

	if cfg.Command != "" {
		cmd := exec.Command(cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			env := os.Environ()
			for k, v := range cfg.Env {
				env = append(env, fmt.Sprintf("%s=%s", k, v))
			}
			cmd.Env = env
		}
		return client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	}

	var hc *http.Client
	if len(cfg.Headers) > 0 {
		hc = &http.Client{Transport: &headerTransport{base: http.DefaultTransport, headers: cfg.Headers}}
	}

	sess, streamErr := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: hc}, nil)
	if streamErr == nil {
		return sess, nil
	}
	sess, sseErr := client.Connect(ctx, &mcp.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: hc}, nil)
	if sseErr != nil {
		return nil, fmt.Errorf("clientmgr: connect %q: streamable: %v; sse: %w", serverID, streamErr, sseErr)
	}
	return sess, nil
}

// headerTransport stamps static headers onto every outbound request, which is
// how per-server auth headers from the config file reach HTTP transports.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	return t.base.RoundTrip(clone)
}

func (m *Manager) watchSession(serverID string, sess *mcp.ClientSession) {
	if err := sess.Wait(); err != nil {
		m.log.Warn("session.lost", slog.String("server_id", serverID), slog.String("err", err.Error()))
	}
	m.mu.Lock()
	if st, ok := m.states[serverID]; ok && st.session == sess {
		st.session = nil
	}
	m.mu.Unlock()
}

// routeElicitation resolves the handler at call time, not connect time, so
// handlers installed after the session opened still receive requests.
func (m *Manager) routeElicitation(serverID string) func(context.Context, *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
	return func(ctx context.Context, req *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
		m.mu.RLock()
		handler := m.elicitations[serverID]
		cb := m.elicitCB
		m.mu.RUnlock()

		if handler != nil {
			return handler(ctx, req)
		}
		if cb != nil {
			event := &ElicitationEvent{
				ServerID:  serverID,
				RequestID: uuid.NewString(),
				Params:    req,
				CreatedAt: time.Now(),
			}
			if req.Params != nil {
				event.Message = req.Params.Message
				event.Schema = req.Params.RequestedSchema
			}
			return cb(ctx, event)
		}
		return nil, fmt.Errorf("clientmgr: no elicitation handler for %q", serverID)
	}
}

func isMethodUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "method not found") ||
		strings.Contains(msg, "not implemented") ||
		strings.Contains(msg, "unsupported")
}
