package toolexec

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcp-toolkit/mcp-bridge-go/internal/logctx"
)

var _ http.Handler = (*HTTPHandler)(nil)

// HandlerOption configures an HTTPHandler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	logger       *slog.Logger
	includeStack bool
}

// WithHandlerLogger sets the slog logger. Logs are discarded if not provided.
func WithHandlerLogger(log *slog.Logger) HandlerOption {
	return func(c *handlerConfig) { c.logger = log }
}

// WithStackTraces includes Go stack traces in tool-failure responses. Meant
// for non-production environments only.
func WithStackTraces(enabled bool) HandlerOption {
	return func(c *handlerConfig) { c.includeStack = enabled }
}

// HTTPHandler exposes the engine as POST /execute and POST /respond.
type HTTPHandler struct {
	mux          *http.ServeMux
	log          *slog.Logger
	engine       *Engine
	includeStack bool
}

// NewHTTPHandler constructs the handler around an engine.
func NewHTTPHandler(engine *Engine, opts ...HandlerOption) *HTTPHandler {
	cfg := &handlerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	h := &HTTPHandler{
		log:          slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		engine:       engine,
		includeStack: cfg.includeStack,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", h.handleExecute)
	mux.HandleFunc("POST /respond", h.handleRespond)
	h.mux = mux
	return h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

type executeRequest struct {
	ServerID   string         `json:"serverId"`
	ToolName   string         `json:"toolName"`
	Parameters map[string]any `json:"parameters"`
}

type respondRequest struct {
	RequestID string            `json:"requestId"`
	Response  *mcp.ElicitResult `json:"response"`
}

// elicitationRequiredBody is the 202 shape: the caller must quote requestId
// back through /respond to resume the execution.
type elicitationRequiredBody struct {
	Status      string             `json:"status"`
	ExecutionID string             `json:"executionId"`
	RequestID   string             `json:"requestId"`
	Request     ElicitationRequest `json:"request"`
	Timestamp   time.Time          `json:"timestamp"`
}

func (h *HTTPHandler) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	if req.ServerID == "" || req.ToolName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "serverId and toolName are required"})
		return
	}

	out, err := h.engine.Execute(ctx, req.ServerID, req.ToolName, req.Parameters)
	if err != nil {
		h.writeExecError(w, r, err)
		return
	}
	h.writeOutcome(w, out)
}

func (h *HTTPHandler) handleRespond(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	if req.RequestID == "" || req.Response == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "requestId and response are required"})
		return
	}

	out, err := h.engine.Respond(ctx, req.RequestID, req.Response)
	if err != nil {
		h.writeExecError(w, r, err)
		return
	}
	h.writeOutcome(w, out)
}

func (h *HTTPHandler) writeOutcome(w http.ResponseWriter, out *Outcome) {
	if out.Completed {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "completed",
			"result": out.Result,
		})
		return
	}
	p := out.Elicitation
	writeJSON(w, http.StatusAccepted, elicitationRequiredBody{
		Status:      "elicitation_required",
		ExecutionID: p.ExecutionID,
		RequestID:   p.RequestID,
		Request:     p.Request,
		Timestamp:   p.IssuedAt,
	})
}

func (h *HTTPHandler) writeExecError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var toolErr *ToolError
	switch {
	case errors.Is(err, ErrExecutionActive):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	case errors.Is(err, ErrServerNotConnected):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, ErrNoActiveExecution), errors.Is(err, ErrUnknownRequest):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.As(err, &toolErr):
		h.log.WarnContext(ctx, "exec.http.tool_error", slog.String("err", toolErr.Message))
		mcpErr := map[string]any{
			"name":    toolErr.Name,
			"message": toolErr.Message,
		}
		if toolErr.Code != nil {
			mcpErr["code"] = toolErr.Code
		}
		if toolErr.Data != nil {
			mcpErr["data"] = toolErr.Data
		}
		if h.includeStack {
			mcpErr["stack"] = string(debug.Stack())
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":    "Tool execution failed",
			"mcpError": mcpErr,
		})
	default:
		h.log.ErrorContext(ctx, "exec.http.fail", slog.String("err", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
