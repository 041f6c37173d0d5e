// Package httpserver exposes the webhook ingestion API and operational
// endpoints (health, metrics) over HTTP: a gorilla/mux router, a
// middleware chain, and a graceful Start/Shutdown pair. This service
// receives server-to-server webhook deliveries rather than
// browser-originated requests, so it carries no CORS middleware.
package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ghostlyplus/emganalyzer/internal/applog"
	"github.com/ghostlyplus/emganalyzer/internal/session"
)

// ServerConfig holds HTTP server tunables.
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	ResponseBudget time.Duration
}

// DefaultServerConfig returns sane defaults for local/dev use.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "127.0.0.1",
		Port:           8080,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		ResponseBudget: time.Second,
	}
}

// Server is the webhook/operational HTTP front-end for the pipeline.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
	config   ServerConfig
}

// NewServer builds a Server wired to the given session processor and
// health sources, probing the configured port up front so a busy port
// fails fast at startup rather than inside Start.
func NewServer(config ServerConfig, processor *session.Processor, health HealthSource, metrics *MetricsRegistry) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy or unavailable: %w", config.Port, err)
	}
	listener.Close()

	router := mux.NewRouter()
	s := &Server{
		router:   router,
		handlers: NewHandlers(processor, health, metrics),
		config:   config,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.timeoutMiddleware)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handlers.Health).Methods("GET")
	api.HandleFunc("/metrics", s.handlers.Metrics).Methods("GET")
	api.HandleFunc("/webhooks/storage/c3d-upload", s.handlers.IngestWebhook).Methods("POST")
	api.HandleFunc("/webhooks/storage/status/{session_code}", s.handlers.SessionStatus).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		duration := time.Since(start)

		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		applog.Logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", duration).
			Str("remote_addr", r.RemoteAddr).
			Msg("http request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		budget := s.config.ResponseBudget
		if budget <= 0 {
			budget = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), budget)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start begins serving and blocks until the server stops or errors.
func (s *Server) Start() error {
	applog.Logger.Info().Str("address", s.GetAddress()).Msg("starting http server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	applog.Logger.Info().Msg("shutting down http server")
	return s.server.Shutdown(ctx)
}

// GetAddress returns the configured listen address.
func (s *Server) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// responseWrapper captures the status code written so the logging
// middleware can report it.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
