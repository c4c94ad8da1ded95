// Package web serves the admin HTTP API: rule management, host trigger
// adapters, storage inspection and a WebSocket event stream.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"hostscript/internal/automation"
	"hostscript/internal/events"
	"hostscript/internal/trigger"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithDispatchers exposes the host trigger adapters under /api/trigger.
func WithDispatchers(msg *trigger.MessageDispatcher, proto *trigger.ProtocolDispatcher) ServerOption {
	return func(s *Server) {
		s.messages = msg
		s.protocol = proto
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the admin API.
type Server struct {
	engine         *automation.Engine
	messages       *trigger.MessageDispatcher
	protocol       *trigger.ProtocolDispatcher
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new web server. bus may be nil, in which case the
// WebSocket stream stays silent.
func NewServer(engine *automation.Engine, bus *events.Bus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		engine: engine,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Forward every engine event to WebSocket clients
	if bus != nil {
		s.unsubEvents = bus.OnAll(s.wsHub.Broadcast)
	}

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// Rules
	s.mux.HandleFunc("GET /api/rules", s.handleAPIListRules)
	s.mux.HandleFunc("POST /api/rules", s.handleAPICreateRule)
	s.mux.HandleFunc("POST /api/rules/_inline/run", s.handleAPIRunInline)
	s.mux.HandleFunc("GET /api/rules/{id}", s.handleAPIGetRule)
	s.mux.HandleFunc("PUT /api/rules/{id}", s.handleAPIUpdateRule)
	s.mux.HandleFunc("DELETE /api/rules/{id}", s.handleAPIDeleteRule)
	s.mux.HandleFunc("POST /api/rules/{id}/toggle", s.handleAPIToggleRule)
	s.mux.HandleFunc("POST /api/rules/{id}/run", s.handleAPIRunRule)

	// Host trigger adapters
	s.mux.HandleFunc("GET /api/triggers", s.handleAPIGetTriggers)
	s.mux.HandleFunc("PUT /api/triggers/{name}", s.handleAPISetTrigger)
	s.mux.HandleFunc("POST /api/trigger/message", s.handleAPITriggerMessage)
	s.mux.HandleFunc("POST /api/trigger/request/{cgi}", s.handleAPITriggerProtocol)
	s.mux.HandleFunc("POST /api/trigger/response/{cgi}", s.handleAPITriggerProtocol)

	// Storage
	s.mux.HandleFunc("GET /api/storage", s.handleAPIListStorage)
	s.mux.HandleFunc("GET /api/storage/{key}", s.handleAPIGetStorage)
	s.mux.HandleFunc("DELETE /api/storage/{key}", s.handleAPIDeleteStorage)

	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only /api/ is key-protected: browsers cannot send custom headers
		// on a WebSocket upgrade.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON request body into v, answering 400 on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
