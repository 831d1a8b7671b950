// Package server implements the Trellis HTTP server: REST API, bearer
// auth, and SSE real-time coordination events.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/trellis/checkpoint"
	"github.com/GoCodeAlone/trellis/config"
	"github.com/GoCodeAlone/trellis/cursor"
	"github.com/GoCodeAlone/trellis/escalation"
	"github.com/GoCodeAlone/trellis/events"
	"github.com/GoCodeAlone/trellis/hierarchy"
	"github.com/GoCodeAlone/trellis/server/api"
)

// Server is the Trellis HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	sync        *hierarchy.Synchronizer
	cursors     *cursor.Tracker
	checkpoints *checkpoint.Store
	escalations *escalation.Workflow
	bus         events.Bus
	handlers    *api.Handlers

	// SSE clients
	sseMu      sync.RWMutex
	sseClients map[chan []byte]struct{}
	unsubBus   func()

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		mux:        http.NewServeMux(),
		logger:     logger,
		sseClients: make(map[chan []byte]struct{}),
		startTime:  time.Now(),
		version:    ver,
	}
	return s
}

// SetSynchronizer attaches the hierarchy synchronizer to the server.
func (s *Server) SetSynchronizer(sync *hierarchy.Synchronizer) {
	s.sync = sync
}

// SetCursorTracker attaches the cursor tracker to the server.
func (s *Server) SetCursorTracker(t *cursor.Tracker) {
	s.cursors = t
}

// SetCheckpointStore attaches the checkpoint store to the server.
func (s *Server) SetCheckpointStore(c *checkpoint.Store) {
	s.checkpoints = c
}

// SetEscalationWorkflow attaches the escalation workflow to the server.
func (s *Server) SetEscalationWorkflow(w *escalation.Workflow) {
	s.escalations = w
}

// SetBus attaches the coordination event bus; its events feed the SSE
// endpoint.
func (s *Server) SetBus(bus events.Bus) {
	s.bus = bus
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	s.registerRoutes()

	if s.bus != nil {
		s.unsubBus = s.bus.Subscribe(func(_ context.Context, ev *events.Event) error {
			s.broadcastEvent(ev)
			return nil
		})
	}

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubBus != nil {
		s.unsubBus()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Sync:        s.sync,
		Cursors:     s.cursors,
		Checkpoints: s.checkpoints,
		Escalations: s.escalations,
		Logger:      s.logger,
		Version:     s.version,
	}
	s.handlers = h

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.StatusHandler())

	// SSE — auth handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Protected API — wrapped in auth middleware
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// handleSSE implements Server-Sent Events for real-time coordination
// events.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	// Verify auth via query token param for SSE (EventSource can't set headers)
	token := r.URL.Query().Get("token")
	if _, err := s.verifyToken(token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	ch := make(chan []byte, 64)
	s.sseMu.Lock()
	s.sseClients[ch] = struct{}{}
	s.sseMu.Unlock()

	defer func() {
		s.sseMu.Lock()
		delete(s.sseClients, ch)
		s.sseMu.Unlock()
		close(ch)
	}()

	// Send initial connected event
	fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n") //nolint:errcheck
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			lines := strings.Split(string(data), "\n")
			for _, line := range lines {
				fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
			}
			fmt.Fprintln(w) //nolint:errcheck
			flusher.Flush()
		}
	}
}

// broadcastEvent sends a JSON-encoded event to all connected SSE clients.
func (s *Server) broadcastEvent(ev *events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("broadcast event marshal", slog.Any("err", err))
		return
	}

	s.sseMu.RLock()
	defer s.sseMu.RUnlock()
	for ch := range s.sseClients {
		select {
		case ch <- data:
		default:
			// Client channel full, skip
		}
	}
}
