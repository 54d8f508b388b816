// Package channel exposes the routing engine over HTTP.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"medrouter/internal/domain"
	"medrouter/internal/infra/middleware"
	"medrouter/internal/usecase/routing"
)

// Engine is the part of the routing engine the HTTP API needs.
type Engine interface {
	Route(ctx context.Context, req domain.RoutingRequest) (*domain.RoutingResult, error)
	Stats() routing.Snapshot
}

// AgentDirectory lists registered agents and their health.
type AgentDirectory interface {
	List() []domain.AgentDescriptor
	Status(ctx context.Context, id string) (domain.AgentStatus, error)
}

// ContextEraser deletes a user's stored conversation context.
type ContextEraser interface {
	Delete(ctx context.Context, actor, userID string) error
}

// Pinger reports backend reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the HTTP server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
	RateLimit    middleware.RateLimitConfig
}

// routeRequestSchema guards POST /api/v1/route before the body reaches the engine.
const routeRequestSchema = `{
	"type": "object",
	"required": ["user_id", "input_text"],
	"properties": {
		"request_id": {"type": "string", "pattern": "^[A-Za-z0-9._-]{1,64}$"},
		"user_id":    {"type": "string", "minLength": 1, "maxLength": 256},
		"input_text": {"type": "string", "minLength": 1},
		"context":    {"type": "object"}
	},
	"additionalProperties": false
}`

// statusClientClosed is reported when the caller went away mid-request.
const statusClientClosed = 499

// HTTPChannel serves the routing API.
type HTTPChannel struct {
	opts   Options
	engine Engine
	agents AgentDirectory
	eraser ContextEraser
	pinger Pinger
	schema *jsonschema.Schema
	logger *slog.Logger

	mu        sync.Mutex
	server    *http.Server
	boundAddr string
	cancel    context.CancelFunc
}

// NewHTTPChannel creates the HTTP API. It fails only if the embedded request
// schema does not compile.
func NewHTTPChannel(opts Options, engine Engine, agents AgentDirectory, logger *slog.Logger) (*HTTPChannel, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("route_request.json", strings.NewReader(routeRequestSchema)); err != nil {
		return nil, fmt.Errorf("add route schema: %w", err)
	}
	schema, err := compiler.Compile("route_request.json")
	if err != nil {
		return nil, fmt.Errorf("compile route schema: %w", err)
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &HTTPChannel{
		opts:   opts,
		engine: engine,
		agents: agents,
		schema: schema,
		logger: logger,
	}, nil
}

// SetContextEraser enables DELETE /api/v1/context/{user_id}.
func (h *HTTPChannel) SetContextEraser(e ContextEraser) { h.eraser = e }

// SetStorePinger adds a context store check to the health endpoint.
func (h *HTTPChannel) SetStorePinger(p Pinger) { h.pinger = p }

// Handler returns the API with the full middleware chain. The rate limiter's
// cleanup goroutine lives until ctx is done.
func (h *HTTPChannel) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/route", h.handleRoute)
	mux.HandleFunc("GET /api/v1/stats", h.handleStats)
	mux.HandleFunc("GET /api/v1/agents", h.handleAgents)
	mux.HandleFunc("GET /api/v1/agents/{id}/status", h.handleAgentStatus)
	mux.HandleFunc("DELETE /api/v1/context/{user_id}", h.handleDeleteContext)
	mux.HandleFunc("GET /api/v1/health", h.handleHealth)

	return middleware.Chain(mux,
		middleware.Recover(h.logger),
		middleware.RequestID,
		middleware.SecurityHeaders,
		middleware.RateLimit(ctx, h.opts.RateLimit),
		middleware.MaxBody(h.opts.MaxBodyBytes),
	)
}

// Start listens on the configured address and serves in the background.
func (h *HTTPChannel) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server != nil {
		return fmt.Errorf("http channel already started")
	}

	ln, err := net.Listen("tcp", h.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.opts.Addr, err)
	}

	srvCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.boundAddr = ln.Addr().String()
	h.server = &http.Server{
		Handler:           h.Handler(srvCtx),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       h.opts.ReadTimeout,
		WriteTimeout:      h.opts.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return srvCtx },
	}

	srv := h.server
	go func() {
		h.logger.Info("http api started", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address after Start, e.g. when listening on ":0".
func (h *HTTPChannel) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.boundAddr
}

// Stop drains in-flight requests until ctx is done.
func (h *HTTPChannel) Stop(ctx context.Context) error {
	h.mu.Lock()
	srv, cancel := h.server, h.cancel
	h.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	cancel()
	return err
}

func (h *HTTPChannel) handleRoute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
				Error:   string(domain.CodeInvalidInput),
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			})
			return
		}
		h.writeError(w, r, domain.NewDomainError("HTTPChannel.route", domain.ErrInvalidInput, err.Error()))
		return
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		h.writeError(w, r, domain.NewDomainError("HTTPChannel.route", domain.ErrInvalidInput, "malformed JSON"))
		return
	}
	if err := h.schema.Validate(doc); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:     string(domain.CodeInvalidInput),
			Message:   validationMessage(err),
			RequestID: middleware.RequestIDFrom(r.Context()),
		})
		return
	}

	var req domain.RoutingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, r, domain.NewDomainError("HTTPChannel.route", domain.ErrInvalidInput, err.Error()))
		return
	}
	if req.RequestID == "" {
		req.RequestID = middleware.RequestIDFrom(r.Context())
	}

	res, err := h.engine.Route(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPChannel) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

func (h *HTTPChannel) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": h.agents.List()})
}

func (h *HTTPChannel) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.agents.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *HTTPChannel) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	if h.eraser == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{
			Error:   "NOT_IMPLEMENTED",
			Message: "context store is disabled",
		})
		return
	}
	userID := r.PathValue("user_id")
	actor := "api:" + middleware.ClientIP(r, h.opts.RateLimit.TrustedProxies)
	if err := h.eraser.Delete(r.Context(), actor, userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPChannel) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "agents": len(h.agents.List())}
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			h.logger.Warn("context store ping failed", "error", err)
			resp["status"] = "degraded"
			resp["context_store"] = "unavailable"
		} else {
			resp["context_store"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError maps err to a status code and a caller-safe body. The full
// error is logged, never returned.
func (h *HTTPChannel) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.ErrorCodeOf(err)
	status := StatusFor(code)
	reqID := middleware.RequestIDFrom(r.Context())

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "request failed",
		"request_id", reqID,
		"path", r.URL.Path,
		"code", code,
		"status", status,
		"error", err,
	)

	writeJSON(w, status, errorBody{
		Error:     string(code),
		Message:   domain.PublicMessage(err),
		RequestID: reqID,
	})
}

// StatusFor maps an error code to the HTTP status returned to callers.
func StatusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidInput, domain.CodePathOutsideRoot:
		return http.StatusBadRequest
	case domain.CodeNotFound, domain.CodeAgentNotFound:
		return http.StatusNotFound
	case domain.CodeDuplicate, domain.CodeDuplicateAgentID:
		return http.StatusConflict
	case domain.CodeNoAgentsRegistered, domain.CodeScoringUnavailable,
		domain.CodeSafetyGateUnavailable, domain.CodeContextStoreUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeAgentExecution:
		return http.StatusBadGateway
	case domain.CodeTimeout:
		return http.StatusGatewayTimeout
	case domain.CodeCancelled:
		return statusClientClosed
	default:
		return http.StatusInternalServerError
	}
}

// validationMessage names the offending field without echoing its value.
func validationMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "the request is invalid"
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if loc == "" {
		return "request body: " + leaf.Message
	}
	return loc + ": " + leaf.Message
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
