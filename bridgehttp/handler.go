// Package bridgehttp emulates the legacy MCP SSE transport over plain HTTP.
// A GET opens a one-way event stream and advertises a paired POST endpoint;
// POSTs to that endpoint are dispatched and their answers pushed back over
// the stream as message events. A direct POST to the server path (no SSE
// handshake) gets the JSON-RPC response in the HTTP body, which is the modern
// streaming-HTTP path.
package bridgehttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/mcp-toolkit/mcp-bridge-go/dispatch"
	"github.com/mcp-toolkit/mcp-bridge-go/internal/jsonrpc"
	"github.com/mcp-toolkit/mcp-bridge-go/internal/logctx"
)

var _ http.Handler = (*Handler)(nil)

const (
	// endpointBaseHeader overrides the computed endpoint base URL, for
	// deployments where the bridge sits behind rewriting infrastructure the
	// forwarded headers cannot describe.
	endpointBaseHeader = "X-Mcp-Endpoint-Base"

	defaultKeepAliveInterval = 15 * time.Second
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Option configures a Handler.
type Option func(*newConfig)

type newConfig struct {
	logger    *slog.Logger
	keepAlive time.Duration
	basePath  string
}

// WithLogger sets the slog logger used by the handler. Logs are discarded if
// not provided.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithKeepAliveInterval overrides the 15s SSE keepalive cadence.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *newConfig) { c.keepAlive = d }
}

// WithBasePath sets the public path prefix under which the handler is
// mounted (e.g. "/api/mcp/adapter-http"). It is embedded in advertised
// endpoint URLs.
func WithBasePath(p string) Option {
	return func(c *newConfig) { c.basePath = strings.TrimSuffix(p, "/") }
}

// Handler serves the per-server transport surface for one dispatch mode.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	disp      *dispatch.Dispatcher
	mode      dispatch.Mode
	registry  *sessionRegistry
	keepAlive time.Duration
	basePath  string
}

// New constructs a Handler for the given dispatcher and mode.
func New(disp *dispatch.Dispatcher, mode dispatch.Mode, opts ...Option) *Handler {
	cfg := &newConfig{keepAlive: defaultKeepAliveInterval}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	h := &Handler{
		log:       slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		disp:      disp,
		mode:      mode,
		registry:  newSessionRegistry(),
		keepAlive: cfg.keepAlive,
		basePath:  cfg.basePath,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("OPTIONS /{serverId}", h.handleOptions)
	mux.HandleFunc("OPTIONS /{serverId}/{rest...}", h.handleOptions)
	mux.HandleFunc("HEAD /{serverId}", h.handleHead)
	mux.HandleFunc("GET /{serverId}", h.handleGetSSE)
	mux.HandleFunc("POST /{serverId}/messages", h.handlePostMessages)
	mux.HandleFunc("POST /{serverId}", h.handlePostDirect)
	mux.HandleFunc("POST /{serverId}/{rest...}", h.handlePostDirect)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Methods", "GET, POST, HEAD, OPTIONS")
	hdr.Set("Access-Control-Allow-Headers", "*")
	hdr.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// handleHead advertises SSE support so probing clients can detect the
// transport without opening a stream.
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleGetSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	serverID := h.disp.ResolveServerID(r.PathValue("serverId"))

	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	sessionID := uuid.NewString()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{ServerID: serverID, SessionID: sessionID})

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	hdr.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	sess := &session{serverID: serverID, sessionID: sessionID, w: w, f: f, ctx: ctx}
	h.registry.add(sess)
	defer h.registry.remove(sess)

	h.log.InfoContext(ctx, "sse.stream.start")

	endpointURL := fmt.Sprintf("%s?sessionId=%s", h.endpointBase(r, serverID), sessionID)

	if err := sess.send("ping", ""); err != nil {
		return
	}
	// Preferred form first, then the bare-string form some older clients
	// still expect.
	preferred, _ := json.Marshal(map[string]any{"url": endpointURL, "headers": map[string]any{}})
	if err := sess.send("endpoint", string(preferred)); err != nil {
		return
	}
	if err := sess.send("endpoint", endpointURL); err != nil {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end")
			return
		case <-ticker.C:
			if err := sess.comment(fmt.Sprintf("keepalive %d", time.Now().UnixMilli())); err != nil {
				h.log.InfoContext(ctx, "sse.keepalive.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

// endpointBase computes the absolute URL clients must POST messages to. An
// override header wins; otherwise the base is assembled from forwarding
// headers, then the request's own host.
func (h *Handler) endpointBase(r *http.Request, serverID string) string {
	if v := r.Header.Get(endpointBaseHeader); v != "" {
		return strings.TrimSuffix(v, "/") + "/messages"
	}

	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		if r.TLS != nil {
			proto = "https"
		} else {
			proto = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	if host == "" {
		if origin := r.Header.Get("Origin"); origin != "" {
			if u, err := url.Parse(origin); err == nil {
				proto, host = u.Scheme, u.Host
			}
		}
	}
	return fmt.Sprintf("%s://%s%s/%s/messages", proto, host, h.basePath, serverID)
}

func (h *Handler) handlePostMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	serverID := h.disp.ResolveServerID(r.PathValue("serverId"))
	sessionID := r.URL.Query().Get("sessionId")

	w.Header().Set("Access-Control-Allow-Origin", "*")

	sess := h.registry.resolve(serverID, sessionID)
	if sess == nil {
		h.log.WarnContext(ctx, "session.resolve.miss",
			slog.String("server_id", serverID), slog.String("session_id", sessionID))
		http.Error(w, "Invalid session", http.StatusBadRequest)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{ServerID: serverID, SessionID: sess.sessionID})

	req := h.readRequest(ctx, r)
	if resp := h.disp.Dispatch(ctx, serverID, req, h.mode); resp != nil {
		payload, err := json.Marshal(resp)
		if err != nil {
			h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		} else if err := sess.send("message", string(payload)); err != nil {
			h.log.WarnContext(ctx, "sse.message.fail", slog.String("err", err.Error()))
		}
	}

	// The legacy transport contract: the POST never carries the RPC answer.
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handlePostDirect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	serverID := h.disp.ResolveServerID(r.PathValue("serverId"))

	w.Header().Set("Access-Control-Allow-Origin", "*")

	if ct, err := contenttype.GetMediaType(r); err == nil && !ct.Matches(jsonMediaType) {
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	req := h.readRequest(ctx, r)
	resp := h.disp.Dispatch(ctx, serverID, req, h.mode)
	if resp == nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, "Accepted")
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
	}
}

// readRequest parses the body into a JSON-RPC request, degrading to an empty
// notification when the body is unusable. The transport never hard-fails on a
// malformed body; the worst case is that nothing gets dispatched.
func (h *Handler) readRequest(ctx context.Context, r *http.Request) *jsonrpc.Request {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return &jsonrpc.Request{}
	}
	req, err := jsonrpc.ParseRequest(body)
	if err != nil {
		h.log.WarnContext(ctx, "jsonrpc.parse.fail", slog.String("err", err.Error()))
		return &jsonrpc.Request{}
	}
	return req
}
