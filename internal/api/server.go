// Package api is the layer's administrative HTTP surface: the processing
// toggle, health and status checks, the decision log, and live event taps.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ace/aspirant/internal/circuitbreaker"
	"github.com/ace/aspirant/internal/events"
	"github.com/ace/aspirant/internal/ledger"
)

// Layer is the subset of the router the admin surface drives.
type Layer interface {
	Name() string
	Mission() (string, bool)
	Processing() bool
	SetProcessing(enabled bool)
	ToggleProcessing() bool
}

// HealthReporter reports collaborator health, e.g. circuitbreaker.Manager.
type HealthReporter interface {
	HealthStatus() (string, map[string]string)
}

// BreakerSnapshotter is implemented by health reporters that also expose
// per-breaker counts, e.g. circuitbreaker.Manager.
type BreakerSnapshotter interface {
	Snapshots() []circuitbreaker.Snapshot
}

// ChainVerifier is implemented by ledgers that hash-link their decisions.
type ChainVerifier interface {
	Head() string
	Verify(ctx context.Context, limit int) error
}

// Deps are the optional collaborators of the admin server.
type Deps struct {
	Ledger   ledger.Ledger
	Events   *events.EventBus
	Health   HealthReporter
	Gatherer prometheus.Gatherer
}

// Server exposes the admin endpoints of one layer.
type Server struct {
	layer    Layer
	deps     Deps
	router   *mux.Router
	upgrader websocket.Upgrader
	started  time.Time

	httpServer *http.Server
}

// NewServer creates the admin server and registers its routes.
func NewServer(layer Layer, deps Deps) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		layer:   layer,
		deps:    deps,
		router:  mux.NewRouter(),
		started: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // event streams are long-lived
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.router

	r.HandleFunc("/toggle_processing", s.handleToggleProcessing).Methods("POST")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/decisions", s.handleDecisions).Methods("GET")
	r.HandleFunc("/decisions/verify", s.handleVerifyDecisions).Methods("GET")
	r.HandleFunc("/events/stream", s.handleEventStream).Methods("GET")
	r.HandleFunc("/events/ws", s.handleEventSocket)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods("GET")

	r.Use(corsMiddleware)
	r.Use(loggingMiddleware)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin server: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called. It returns nil
// at once if Shutdown already ran.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("[Admin] Listening", "addr", ln.Addr().String(), "layer", s.layer.Name())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server. It is safe to call before or
// concurrently with Serve.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ============================================================================
// HANDLERS
// ============================================================================

// handleToggleProcessing flips message processing. An explicit
// ?enabled=true|false sets the flag instead.
func (s *Server) handleToggleProcessing(w http.ResponseWriter, r *http.Request) {
	var enabled bool
	if raw := r.URL.Query().Get("enabled"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "enabled must be true or false", http.StatusBadRequest)
			return
		}
		s.layer.SetProcessing(v)
		enabled = v
	} else {
		enabled = s.layer.ToggleProcessing()
	}

	slog.Info("[Admin] Message processing set", "layer", s.layer.Name(), "processing", enabled)
	writeJSON(w, http.StatusOK, map[string]string{
		"detail": "Message processing set to " + capitalizedBool(enabled),
	})
}

// capitalizedBool renders b as "True" or "False", the form existing
// dashboards match on.
func capitalizedBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, breakers := "HEALTHY", map[string]string{}
	if s.deps.Health != nil {
		status, breakers = s.deps.Health.HealthStatus()
	}

	code := http.StatusOK
	if status != "HEALTHY" {
		code = http.StatusServiceUnavailable
	}
	resp := map[string]interface{}{
		"status":   status,
		"layer":    s.layer.Name(),
		"breakers": breakers,
	}
	if snap, ok := s.deps.Health.(BreakerSnapshotter); ok {
		resp["breaker_counts"] = snap.Snapshots()
	}
	writeJSON(w, code, resp)
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Layer         string  `json:"layer"`
	Processing    bool    `json:"processing"`
	Mission       *string `json:"mission"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Layer:         s.layer.Name(),
		Processing:    s.layer.Processing(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if m, ok := s.layer.Mission(); ok {
		resp.Mission = &m
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		http.Error(w, "decision ledger disabled", http.StatusNotFound)
		return
	}

	limit, ok := parseLimit(w, r, 50)
	if !ok {
		return
	}

	decisions, err := s.deps.Ledger.Recent(r.Context(), limit)
	if err != nil {
		slog.Error("[Admin] Failed to read decisions", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if decisions == nil {
		decisions = []ledger.Decision{}
	}
	writeJSON(w, http.StatusOK, decisions)
}

func (s *Server) handleVerifyDecisions(w http.ResponseWriter, r *http.Request) {
	chain, ok := s.deps.Ledger.(ChainVerifier)
	if !ok {
		http.Error(w, "decision ledger is not hash-linked", http.StatusNotFound)
		return
	}
	limit, ok := parseLimit(w, r, 1000)
	if !ok {
		return
	}

	resp := map[string]interface{}{"head": chain.Head(), "valid": true}
	if err := chain.Verify(r.Context(), limit); err != nil {
		slog.Warn("[Admin] Decision chain verification failed", "error", err)
		resp["valid"] = false
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

// handleEventStream streams layer events as Server-Sent Events.
// ?events=a,b restricts the stream to those event types.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		http.Error(w, "event stream disabled", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.deps.Events.Subscribe(eventFilter(r)...)
	defer s.deps.Events.Unsubscribe(ch)

	fmt.Fprintf(w, "event: connected\ndata: {\"layer\":%q}\n\n", s.layer.Name())
	flusher.Flush()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := event.SSEFormat()
			if err != nil {
				continue
			}
			w.Write(data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handleEventSocket mirrors the event stream over a WebSocket.
func (s *Server) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		http.Error(w, "event stream disabled", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Admin] WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.deps.Events.Subscribe(eventFilter(r)...)
	defer s.deps.Events.Unsubscribe(ch)

	// The tap is one-way; reads only detect the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(event); err != nil {
				slog.Debug("[Admin] WebSocket write failed", "error", err)
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func eventFilter(r *http.Request) []string {
	raw := r.URL.Query().Get("events")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[Admin] Failed to encode response", "error", err)
	}
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("[Admin] Request", "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}
