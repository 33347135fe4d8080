package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/stagegate/internal/orchestrator"
	"github.com/kingrea/stagegate/internal/tier"
)

// ErrServerDisabled is returned by Start when the settings disable the bridge.
var ErrServerDisabled = errors.New("eventbridge: server disabled")

const callsPrefix = "/v1/calls/"

// Server exposes an orchestrator over HTTP.
type Server struct {
	settings Settings
	backend  Backend
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	httpSrv *http.Server
	ln      net.Listener
	served  chan struct{}
}

// Option customizes server construction.
type Option func(*Server)

// WithLogger routes server logs to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces the source of server_time in responses.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer builds a bridge over backend. Nothing listens until Start.
func NewServer(settings Settings, backend Backend, opts ...Option) *Server {
	s := &Server{
		settings: settings.withDefaults(),
		backend:  backend,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routing table. Start serves the same handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/calls", s.handleCalls)
	mux.HandleFunc(callsPrefix, s.handleCall)
	mux.HandleFunc("/v1/events", s.handleEvents)
	return mux
}

// Start listens on the configured address and serves in the background.
// Request contexts derive from ctx, so cancelling it ends open event streams.
func (s *Server) Start(ctx context.Context) error {
	if !s.settings.Enabled {
		return ErrServerDisabled
	}
	if s.backend == nil {
		return errors.New("eventbridge: no backend")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return errors.New("eventbridge: already started")
	}
	ln, err := net.Listen("tcp", s.settings.Address())
	if err != nil {
		return fmt.Errorf("eventbridge: listen %s: %w", s.settings.Address(), err)
	}
	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.settings.ReadHeaderTimeout,
		IdleTimeout:       s.settings.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("bridge stopped serving", zap.Error(err))
		}
	}()
	s.ln, s.httpSrv, s.served = ln, httpSrv, served
	s.logger.Info("bridge listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// and the serve loop until ctx expires. It is a no-op before Start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpSrv, served := s.httpSrv, s.served
	s.ln, s.httpSrv, s.served = nil, nil, nil
	s.mu.Unlock()
	if httpSrv == nil {
		return nil
	}
	if err := httpSrv.Shutdown(ctx); err != nil {
		return err
	}
	select {
	case <-served:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the server is listening.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln != nil
}

// Addr returns the bound address, or "" when not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// BaseURL returns the URL of the running server, falling back to the
// configured address.
func (s *Server) BaseURL() string {
	if addr := s.Addr(); addr != "" {
		return "http://" + addr
	}
	return s.settings.URL()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	snap := s.backend.Snapshot()
	status := "ok"
	if snap.Closed {
		status = "closed"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   status,
		Version:  ProtocolVersion,
		Run:      snap.ID,
		Stage:    snap.Stage,
		Progress: snap.Progress,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.backend.Snapshot())
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.backend.Snapshot().Calls)
	case http.MethodPost:
		s.handleRegister(w, r)
	default:
		allowMethods(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}
	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds limit")
			return
		}
		writeError(w, http.StatusBadRequest, "unable to read body")
		return
	}
	var req RegisterRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Normalize()
	t, err := req.Validate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, exists := s.backend.Entry(req.ID); exists {
		writeJSON(w, http.StatusOK, registerResponse{
			Status:     "duplicate",
			ID:         req.ID,
			Enabled:    s.backend.IsCallEnabled(req.ID),
			ServerTime: s.now().UTC(),
		})
		return
	}
	if err := s.backend.RegisterCall(req.ID, t, req.DependsOn...); err != nil {
		switch {
		case errors.Is(err, tier.ErrUnknownTier):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, orchestrator.ErrClosed):
			writeError(w, http.StatusConflict, "orchestrator closed")
		default:
			s.logger.Error("bridge registration failed", zap.String("call_id", req.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, registerResponse{
		Status:     "accepted",
		ID:         req.ID,
		Enabled:    s.backend.IsCallEnabled(req.ID),
		ServerTime: s.now().UTC(),
	})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, callsPrefix))
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	entry, ok := s.backend.Entry(id)
	if !ok {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, callResponse{ID: id, Enabled: entry.Enabled, Entry: &entry})
}

// handleEvents streams the orchestrator's event feed as server-sent events
// until the feed closes or the client goes away. Idle streams get a comment
// line every Heartbeat.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sub := s.backend.Subscribe()
	defer sub.Close()
	heartbeat := time.NewTicker(s.settings.Heartbeat)
	defer heartbeat.Stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("encode bridge event", zap.Uint64("seq", ev.Seq), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
