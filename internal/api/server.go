// Package api serves the operator HTTP surface: manual deploys, job status,
// the agent list and a live event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/mattjoyce/shipyard/internal/auth"
	"github.com/mattjoyce/shipyard/internal/dispatch"
	"github.com/mattjoyce/shipyard/internal/events"
	"github.com/mattjoyce/shipyard/internal/queue"
	"github.com/mattjoyce/shipyard/internal/registry"
	"github.com/mattjoyce/shipyard/internal/status"
)

// Dispatcher turns a manual trigger into a decision.
type Dispatcher interface {
	Dispatch(ctx context.Context, t dispatch.Trigger) (dispatch.Decision, error)
}

// StatusReader answers GET /job/{jobID}.
type StatusReader interface {
	Get(ctx context.Context, jobID string) (*status.View, error)
}

// DepthReader reports per-state job counts.
type DepthReader interface {
	Depth(ctx context.Context) (map[queue.State]int, error)
}

// AgentLister lists the registry.
type AgentLister interface {
	All() []registry.Agent
}

// EventSource feeds GET /events.
type EventSource interface {
	Subscribe(types ...string) (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the admin bearer token (scope "*").
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens      []auth.TokenConfig
	CORSOrigins []string
	// Workers is reported by /healthz.
	Workers int
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	dispatcher Dispatcher
	status     StatusReader
	depth      DepthReader
	agents     AgentLister
	events     EventSource
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance
func New(config Config, d Dispatcher, st StatusReader, depth DepthReader, agents AgentLister, ev EventSource, logger *slog.Logger) *Server {
	return &Server{
		config:     config,
		dispatcher: d,
		status:     st,
		depth:      depth,
		agents:     agents,
		events:     ev,
		logger:     logger.With("component", "api"),
		startedAt:  time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		// SSE clients hold the connection open; keep-alives are sent every 15s.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the full middleware-wrapped router.
func (s *Server) Handler() http.Handler {
	r := s.setupRoutes()
	if len(s.config.CORSOrigins) == 0 {
		return r
	}
	c := cors.New(cors.Options{
		AllowedOrigins: s.config.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	})
	return c.Handler(r)
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeDeployRW)).Post("/deploy/{agent}", s.handleDeploy)
		r.With(s.requireScopes(auth.ScopeJobsRO)).Get("/job/{jobID}", s.handleGetJob)
		r.With(s.requireScopes(auth.ScopeAgentsRO)).Get("/agents", s.handleListAgents)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// authMiddleware resolves the bearer token to a principal.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		principal, ok := auth.Authenticate(token, s.config.APIKey, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.PrincipalFromContext(r.Context())
			if !auth.HasAnyScope(principal, scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
