// Package web exposes the orchestrator over HTTP: a JSON control API,
// source-control and chat webhooks, and an event stream.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/squads/internal/config"
	"github.com/hugo-lorenzo-mato/squads/internal/core"
	"github.com/hugo-lorenzo-mato/squads/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/squads/internal/events"
	"github.com/hugo-lorenzo-mato/squads/internal/logging"
	"github.com/hugo-lorenzo-mato/squads/internal/web/sse"
	"github.com/hugo-lorenzo-mato/squads/internal/workflow"
)

// RunService is the workflow engine surface used by the API.
type RunService interface {
	Trigger(ctx context.Context, templateID string, target workflow.Target) (*core.WorkflowRun, error)
	Get(ctx context.Context, runID string) (*core.WorkflowRun, error)
	List(ctx context.Context, filter core.RunFilter) ([]*core.WorkflowRun, error)
	Complete(ctx context.Context, runID, nodeID string) error
	Fail(ctx context.Context, runID, nodeID, reason string) error
	Approve(ctx context.Context, runID, nodeID string) error
	Advance(ctx context.Context, runID string) error
}

// Bus publishes inbound events and feeds the event stream.
type Bus interface {
	Publish(ctx context.Context, e events.Event)
	sse.Source
}

// Diagnostics reports sampled resource usage.
type Diagnostics interface {
	Latest() (diagnostics.Snapshot, bool)
	Sample(ctx context.Context) diagnostics.Snapshot
}

// Services are the collaborators behind the HTTP surface.
type Services struct {
	Runs      RunService
	Workers   core.WorkerStore
	Pool      core.Reserver
	Messenger core.WorkerMessenger
	Bus       Bus
	Monitor   Diagnostics
}

// Config holds the server configuration.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	EnableCORS      bool
	Webhooks        config.WebhooksConfig
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            8080,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    0, // event stream connections stay open
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		CORSOrigins:     []string{"http://localhost:5173"},
	}
}

// ConfigFrom maps application configuration onto a server Config.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	if cfg.Server.Host != "" {
		c.Host = cfg.Server.Host
	}
	if cfg.Server.Port != 0 {
		c.Port = cfg.Server.Port
	}
	c.EnableCORS = cfg.Server.EnableCORS
	if len(cfg.Server.CORSOrigins) > 0 {
		c.CORSOrigins = cfg.Server.CORSOrigins
	}
	c.ShutdownTimeout = cfg.Server.ShutdownTimeoutDuration()
	c.Webhooks = cfg.Webhooks
	return c
}

// Server is the HTTP ingress.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	config     Config
	svc        Services
	logger     *logging.Logger
	stream     *sse.Handler
}

// New creates a server. The router is built immediately; call Start to listen.
func New(cfg Config, svc Services, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		config: cfg,
		svc:    svc,
		logger: logger.WithComponent("http"),
	}
	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	if s.config.EnableCORS {
		corsMiddleware := cors.New(cors.Options{
			AllowedOrigins:   s.config.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		})
		r.Use(corsMiddleware.Handler)
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleAPIRoot)

		r.Post("/projects/{project}/spawn", s.handleSpawnAll)
		r.Post("/projects/{project}/sprints/{sprint}/ready", s.handleSprintReady)

		r.Post("/tickets/{ticket}/assign", s.handleAssignTicket)
		r.Post("/tickets/{ticket}/approve", s.handleApproveTicket)

		r.Get("/runs", s.handleListRuns)
		r.Post("/runs", s.handleTriggerRun)
		r.Route("/runs/{run}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Post("/advance", s.handleAdvanceRun)
			r.Post("/nodes/{node}/complete", s.handleCompleteNode)
			r.Post("/nodes/{node}/fail", s.handleFailNode)
			r.Post("/nodes/{node}/approve", s.handleApproveNode)
		})

		r.Get("/workers", s.handleListWorkers)
		r.Post("/workers/{worker}/poke", s.handlePokeWorker)
		r.Post("/workers/{worker}/release", s.handleReleaseWorker)

		r.Get("/diagnostics", s.handleDiagnostics)

		if s.svc.Bus != nil {
			s.stream = sse.NewHandler(s.svc.Bus)
			s.stream.Register(r)
		}
	})

	r.Route("/webhooks/{project}", func(r chi.Router) {
		r.Post("/github", s.handleGitHubWebhook)
		r.Post("/gitlab", s.handleGitLabWebhook)
		r.Post("/chat", s.handleChatWebhook)
	})

	return r
}

// loggingMiddleware logs HTTP requests using structured logging.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAPIRoot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"version": "v1", "name": "squads-api"})
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start listens in the background. Listen errors other than a clean
// shutdown are logged.
func (s *Server) Start() error {
	s.logger.Info("starting http server", slog.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Shutdown disconnects stream clients and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	if s.stream != nil {
		_ = s.stream.Shutdown(ctx)
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}
