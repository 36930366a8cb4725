// Package elicitstream is the fan-out channel for elicitations raised outside
// a single-flight execution: every request is broadcast to all subscribed SSE
// clients, and whichever client answers first (accept, decline, or cancel)
// resolves it for everyone.
package elicitstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcp-toolkit/mcp-bridge-go/clientmgr"
	"github.com/mcp-toolkit/mcp-bridge-go/internal/logctx"
)

var _ http.Handler = (*Broadcaster)(nil)

// ErrRequestClosed fails a pending elicitation whose asker went away before
// anyone answered.
var ErrRequestClosed = errors.New("elicitation request closed")

// Option configures a Broadcaster.
type Option func(*newConfig)

type newConfig struct {
	logger    *slog.Logger
	keepAlive time.Duration
}

// WithLogger sets the slog logger. Logs are discarded if not provided.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithKeepAliveInterval overrides the SSE keepalive cadence.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *newConfig) { c.keepAlive = d }
}

type pendingRequest struct {
	event *clientmgr.ElicitationEvent
	ch    chan *mcp.ElicitResult
}

type subscriber struct {
	ch chan []byte
}

// Broadcaster installs itself as the client manager's process-wide
// elicitation callback on first subscription and serves GET /stream plus
// POST /respond.
type Broadcaster struct {
	mux       *http.ServeMux
	log       *slog.Logger
	mgr       clientmgr.ClientManager
	keepAlive time.Duration

	registerOnce sync.Once

	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	pending map[string]*pendingRequest
}

// New constructs a Broadcaster over the client manager.
func New(mgr clientmgr.ClientManager, opts ...Option) *Broadcaster {
	cfg := &newConfig{keepAlive: 15 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	b := &Broadcaster{
		log:       slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		mgr:       mgr,
		keepAlive: cfg.keepAlive,
		subs:      make(map[*subscriber]struct{}),
		pending:   make(map[string]*pendingRequest),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", b.handleStream)
	mux.HandleFunc("POST /respond", b.handleRespond)
	b.mux = mux
	return b
}

func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// ensureRegistered wires the broadcaster into the manager lazily: until
// someone subscribes, elicitations keep failing fast downstream instead of
// parking on a channel nobody watches.
func (b *Broadcaster) ensureRegistered() {
	b.registerOnce.Do(func() {
		b.mgr.SetElicitationCallback(b.relay)
	})
}

// relay is the blocking manager callback: park the request, broadcast it, and
// wait for an answer.
func (b *Broadcaster) relay(ctx context.Context, event *clientmgr.ElicitationEvent) (*mcp.ElicitResult, error) {
	p := &pendingRequest{event: event, ch: make(chan *mcp.ElicitResult, 1)}
	b.mu.Lock()
	b.pending[event.RequestID] = p
	b.mu.Unlock()

	b.log.InfoContext(ctx, "elicit.broadcast",
		slog.String("request_id", event.RequestID),
		slog.String("server_id", event.ServerID))

	b.broadcast(map[string]any{
		"type":      "elicitation_request",
		"requestId": event.RequestID,
		"serverId":  event.ServerID,
		"message":   event.Message,
		"schema":    event.Schema,
		"timestamp": event.CreatedAt.UTC().Format(time.RFC3339Nano),
	})

	select {
	case res := <-p.ch:
		return res, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, event.RequestID)
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrRequestClosed, ctx.Err())
	}
}

// Resolve answers a pending request. Returns false when the id is unknown or
// already answered.
func (b *Broadcaster) Resolve(requestID string, res *mcp.ElicitResult) bool {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- res

	b.broadcast(map[string]any{
		"type":      "elicitation_complete",
		"requestId": requestID,
		"action":    res.Action,
	})
	return true
}

// broadcast marshals the payload once and offers it to every subscriber.
// Slow subscribers are skipped, not waited on.
func (b *Broadcaster) broadcast(payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("elicit.broadcast.marshal.fail", slog.String("err", err.Error()))
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- data:
		default:
		}
	}
}

func (b *Broadcaster) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f, ok := w.(http.Flusher)
	if !ok {
		b.log.ErrorContext(ctx, "elicit.stream.flusher.missing")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	b.ensureRegistered()

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	hdr.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	sub := &subscriber{ch: make(chan []byte, 16)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	// Replay outstanding requests so a late subscriber can still answer them.
	var backlog [][]byte
	for _, p := range b.pending {
		data, err := json.Marshal(map[string]any{
			"type":      "elicitation_request",
			"requestId": p.event.RequestID,
			"serverId":  p.event.ServerID,
			"message":   p.event.Message,
			"schema":    p.event.Schema,
			"timestamp": p.event.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err == nil {
			backlog = append(backlog, data)
		}
	}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}()

	b.log.InfoContext(ctx, "elicit.stream.start")

	send := func(data []byte) error {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		f.Flush()
		return nil
	}

	if _, err := fmt.Fprint(w, "event: connected\ndata: {}\n\n"); err != nil {
		return
	}
	f.Flush()

	for _, data := range backlog {
		if err := send(data); err != nil {
			return
		}
	}

	ticker := time.NewTicker(b.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.log.InfoContext(ctx, "elicit.stream.end")
			return
		case data := <-sub.ch:
			if err := send(data); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": keepalive %d\n\n", time.Now().UnixMilli()); err != nil {
				return
			}
			f.Flush()
		}
	}
}

type respondBody struct {
	RequestID string         `json:"requestId"`
	Action    string         `json:"action"`
	Content   map[string]any `json:"content"`
}

func (b *Broadcaster) handleRespond(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body respondBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	if body.RequestID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "requestId is required"})
		return
	}
	switch body.Action {
	case "accept", "decline", "cancel":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "action must be accept, decline, or cancel"})
		return
	}

	res := &mcp.ElicitResult{Action: body.Action}
	if body.Action == "accept" {
		res.Content = body.Content
	}

	if !b.Resolve(body.RequestID, res) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown or expired elicitation request"})
		return
	}

	b.log.InfoContext(ctx, "elicit.respond",
		slog.String("request_id", body.RequestID),
		slog.String("action", body.Action))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
