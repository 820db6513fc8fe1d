// Package wsapi exposes the sync engine over websocket sessions plus the
// operational HTTP endpoints that ride on the same listener.
package wsapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"
	"pkt.systems/syncd/api"
	"pkt.systems/syncd/internal/core"
	"pkt.systems/syncd/internal/correlation"
	"pkt.systems/syncd/internal/loggingutil"
	"pkt.systems/syncd/internal/version"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerCreator       = "X-Syncd-Creator"
	headerDefaultACL    = "X-Syncd-Acl"
)

const (
	// DefaultMaxPayloadBytes bounds a single inbound frame.
	DefaultMaxPayloadBytes = 1 << 20
	// DefaultSendBuffer bounds the per-session outbound queue.
	DefaultSendBuffer = 256
	// DefaultWriteTimeout bounds a single outbound frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPingInterval paces keepalive pings; a session missing two
	// intervals without traffic is torn down.
	DefaultPingInterval = 30 * time.Second
)

// IdentityFunc resolves the caller identity and default ACL for a new
// session. Auth mechanics stay outside the engine; whatever this returns
// is trusted.
type IdentityFunc func(r *http.Request) (creator, defaultACL string)

// HeaderIdentity reads X-Syncd-Creator and X-Syncd-Acl. Empty values fall
// back to the generated session ID downstream.
func HeaderIdentity(r *http.Request) (string, string) {
	return strings.TrimSpace(r.Header.Get(headerCreator)), strings.TrimSpace(r.Header.Get(headerDefaultACL))
}

// Config wires the handler to the engine.
type Config struct {
	Core     *core.Service
	Logger   pslog.Logger
	Identity IdentityFunc

	MaxPayloadBytes int64
	SendBuffer      int
	WriteTimeout    time.Duration
	PingInterval    time.Duration

	// TracingEnabled wraps routes with otelhttp spans.
	TracingEnabled bool
}

// Handler terminates sync sessions and serves the operational endpoints.
type Handler struct {
	core     *core.Service
	logger   pslog.Logger
	identity IdentityFunc

	maxPayloadBytes int64
	sendBuffer      int
	writeTimeout    time.Duration
	pingInterval    time.Duration
	tracingEnabled  bool

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs the handler. cfg.Core is required.
func New(cfg Config) *Handler {
	h := &Handler{
		core:            cfg.Core,
		logger:          loggingutil.EnsureLogger(cfg.Logger),
		identity:        cfg.Identity,
		maxPayloadBytes: cfg.MaxPayloadBytes,
		sendBuffer:      cfg.SendBuffer,
		writeTimeout:    cfg.WriteTimeout,
		pingInterval:    cfg.PingInterval,
		tracingEnabled:  cfg.TracingEnabled,
		sessions:        make(map[string]*session),
	}
	if h.identity == nil {
		h.identity = HeaderIdentity
	}
	if h.maxPayloadBytes <= 0 {
		h.maxPayloadBytes = DefaultMaxPayloadBytes
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = DefaultSendBuffer
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = DefaultWriteTimeout
	}
	if h.pingInterval <= 0 {
		h.pingInterval = DefaultPingInterval
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4 << 10,
		WriteBufferSize: 4 << 10,
		// Sync sessions come from SDK and CLI processes, not browsers.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return h
}

// Register mounts all routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/sync", h.wrap("sync", h.handleSync))
	mux.Handle("/v1/stats", h.wrap("stats", h.handleStats))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

// Shutdown closes every live session. Waits only for the close frames to
// be queued, not for clients to acknowledge.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	open := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()
	for _, s := range open {
		s.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
}

// SessionCount reports the number of live sync sessions.
func (h *Handler) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Handler) trackSession(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
}

func (h *Handler) forgetSession(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := loggingutil.Subsystem("wsapi", operation)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		reqID := xid.New().String()

		ctx = correlation.Ensure(ctx)
		if corr := strings.TrimSpace(r.Header.Get(headerCorrelationID)); corr != "" {
			if normalized, ok := correlation.Normalize(corr); ok {
				ctx = correlation.Set(ctx, normalized)
			}
		}
		if correlation.ID(ctx) == "" {
			ctx = correlation.Set(ctx, correlation.Generate())
		}

		logger := loggingutil.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"correlation_id", correlation.ID(ctx),
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)

		if err := fn(w, r); err != nil {
			logger.Debug("http.request.error", "method", r.Method, "path", r.URL.Path, "error", err)
			h.writeError(w, err)
			return
		}
	})
	if !h.tracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, "syncd.http."+operation,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return e.Code + ": " + e.Detail
	}
	return e.Code
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	detail := err.Error()
	var httpErr httpError
	if errors.As(err, &httpErr) {
		status = httpErr.Status
		code = httpErr.Code
		detail = httpErr.Detail
	}
	h.writeJSON(w, status, map[string]string{"error": code, "detail": detail})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "use GET"}
	}
	stats, err := h.core.Stats(r.Context())
	if err != nil {
		return err
	}
	resp := api.StatsResponse{
		Sessions:           stats.Sessions,
		SubscribedSessions: stats.SubscribedSessions,
		Subscriptions:      stats.Subscriptions,
		DispatchQueueDepth: stats.DispatchQueueDepth,
		Version:            version.Current(),
	}
	if stats.HasNodeCounts {
		live, tombstones := stats.LiveNodes, stats.Tombstones
		resp.LiveNodes = &live
		resp.Tombstones = &tombstones
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}
