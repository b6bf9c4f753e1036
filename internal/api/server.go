package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cecbridge/internal/cec"

	"go.uber.org/zap"
)

// Controller is the part of cec.Context the API exposes.
type Controller interface {
	ListAdapters() ([]cec.AdapterDescriptor, error)
	Open(ctx context.Context, adapter *cec.AdapterDescriptor) (*cec.Session, error)
	CloseSession() error
	CurrentSession() (*cec.Session, bool)
	Transmit(ctx context.Context, frame cec.Frame) error
	AddCallback(kind cec.EventKind, handler cec.Handler) (*cec.Registration, error)
	RemoveCallback(reg *cec.Registration) bool
}

// Server provides HTTP API endpoints for the CEC bridge
type Server struct {
	controller Controller
	logger     *zap.Logger
	server     *http.Server
	handler    http.Handler
	closing    chan struct{}
}

// Option customises a Server.
type Option func(*Server, *http.ServeMux)

// WithMetrics serves h on /metrics and wraps every route in middleware.
func WithMetrics(h http.Handler, middleware func(http.Handler) http.Handler) Option {
	return func(s *Server, mux *http.ServeMux) {
		mux.Handle("/metrics", h)
		s.handler = middleware(s.handler)
	}
}

// NewServer creates a new API server
func NewServer(controller Controller, logger *zap.Logger, port int, opts ...Option) *Server {
	s := &Server{
		controller: controller,
		logger:     logger.Named("api"),
		closing:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/api/adapters", s.handleAdapters)
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/transmit", s.handleTransmit)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/health", s.handleHealth)

	s.handler = mux
	for _, opt := range opts {
		opt(s, mux)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// SessionResponse describes the session state.
type SessionResponse struct {
	Open    bool         `json:"open"`
	Session *cec.Session `json:"session,omitempty"`
}

// OpenRequest selects the adapter to open. An empty request opens the
// first adapter found.
type OpenRequest struct {
	Path    string `json:"path,omitempty"`
	ComPort string `json:"com_port,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// writeError maps the engine's error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	resp := ErrorResponse{Error: err.Error()}

	var terr *cec.TransmitError
	var eerr *cec.EngineError
	switch {
	case errors.Is(err, cec.ErrNoAdapterFound):
		status = http.StatusNotFound
	case errors.Is(err, cec.ErrAlreadyOpen), errors.Is(err, cec.ErrNotOpen):
		status = http.StatusConflict
	case errors.As(err, &terr):
		resp.Reason = string(terr.Reason)
		switch terr.Reason {
		case cec.TransmitReasonInvalid:
			status = http.StatusBadRequest
		case cec.TransmitReasonTimeout:
			status = http.StatusGatewayTimeout
		case cec.TransmitReasonBusBusy:
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusBadGateway
		}
	case errors.As(err, &eerr):
		status = http.StatusBadGateway
	}

	s.writeJSON(w, status, resp)
}

// handleAdapters lists the adapters the engine can see
func (s *Server) handleAdapters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	adapters, err := s.controller.ListAdapters()
	if err != nil {
		s.logger.Error("Failed to list adapters", zap.Error(err))
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, adapters)
}

// handleSession opens, closes or describes the session
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sess, ok := s.controller.CurrentSession()
		s.writeJSON(w, http.StatusOK, SessionResponse{Open: ok, Session: sess})

	case http.MethodPost:
		s.openSession(w, r)

	case http.MethodDelete:
		if err := s.controller.CloseSession(); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, SessionResponse{Open: false})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
	}

	var adapter *cec.AdapterDescriptor
	if req.Path != "" || req.ComPort != "" {
		found, err := s.findAdapter(req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		adapter = found
	}

	sess, err := s.controller.Open(r.Context(), adapter)
	if err != nil {
		s.logger.Warn("Failed to open session", zap.Error(err))
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, SessionResponse{Open: true, Session: sess})
}

func (s *Server) findAdapter(req OpenRequest) (*cec.AdapterDescriptor, error) {
	adapters, err := s.controller.ListAdapters()
	if err != nil {
		return nil, err
	}
	for i := range adapters {
		a := adapters[i]
		if req.Path != "" && a.Path != req.Path {
			continue
		}
		if req.ComPort != "" && a.ComPort != req.ComPort {
			continue
		}
		return &a, nil
	}
	return nil, fmt.Errorf("%w matching path %q com port %q", cec.ErrNoAdapterFound, req.Path, req.ComPort)
}

// handleTransmit sends one frame on the open session
func (s *Server) handleTransmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cec.FrameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	frame, err := req.Frame()
	if err != nil {
		s.writeError(w, &cec.TransmitError{Reason: cec.TransmitReasonInvalid, Err: err})
		return
	}

	if err := s.controller.Transmit(r.Context(), frame); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	_, open := s.controller.CurrentSession()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"session_open": open,
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/api/adapters", Method: "GET", Description: "List detected CEC adapters"},
	{Path: "/api/session", Method: "GET", Description: "Describe the open session"},
	{Path: "/api/session", Method: "POST", Description: "Open a session ({\"path\": ...} or empty for the first adapter)"},
	{Path: "/api/session", Method: "DELETE", Description: "Close the open session"},
	{Path: "/api/transmit", Method: "POST", Description: "Transmit a frame on the open session"},
	{Path: "/api/events", Method: "GET", Description: "WebSocket stream of events (?kind=key_press,command)"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		s.writeJSON(w, http.StatusOK, endpoints)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "CEC Bridge API\n")
	fmt.Fprintf(w, "==============\n\n")
	fmt.Fprintf(w, "Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-8s %-16s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nExamples:\n\n")
	fmt.Fprintf(w, "  Power on the TV:\n")
	fmt.Fprintf(w, "    curl -X POST -d '{\"initiator\":4,\"destination\":0,\"opcode\":4}' http://localhost:8080/api/transmit\n\n")
	fmt.Fprintf(w, "  Watch key presses:\n")
	fmt.Fprintf(w, "    websocat 'ws://localhost:8080/api/events?kind=key_press'\n\n")

	s.logger.Debug("Sitemap request served", zap.String("remote_addr", r.RemoteAddr))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")
	close(s.closing)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
