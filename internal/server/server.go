// Package server exposes the conversion API and the operator endpoints.
//
// Every conversion route is composed explicitly at registration time:
//
//	request id -> identity -> rate limit(group) -> track(conversion type) -> dispatch
//
// so a request denied by the rate limiter never creates an operation run.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/convertica/convertica/internal/config"
	"github.com/convertica/convertica/internal/identity"
	"github.com/convertica/convertica/internal/logging"
	"github.com/convertica/convertica/internal/metrics"
	"github.com/convertica/convertica/internal/ratelimit"
	"github.com/convertica/convertica/internal/runs"
	"github.com/convertica/convertica/internal/tasks"
)

// TaskDispatcher hands accepted conversions to the worker pool.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, task tasks.Task, opts tasks.Options) (string, error)
}

// RunReader looks up operation runs by request id.
type RunReader interface {
	Get(ctx context.Context, requestID string) (*runs.Run, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Config holds configuration for the HTTP server.
type Config struct {
	Addr         string // listen address (default: ":8000")
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
	Routes       []config.RouteConfig
}

// Deps are the shared components the routes are built from.
type Deps struct {
	Policies   map[string]ratelimit.Policy
	Evaluator  *ratelimit.Evaluator
	Recorder   *runs.Recorder
	Runs       RunReader // optional, serves /api/ops/runs
	Dispatcher TaskDispatcher
	Users      identity.Lookuper
	Reporter   *ratelimit.Reporter
	Guard      *ratelimit.IPGuard // optional, guards /api/ops
	Metrics    *metrics.Metrics
	Checks     map[string]HealthCheck
	Logger     *zap.Logger
}

// Server provides the convertica HTTP API.
type Server struct {
	cfg        Config
	deps       Deps
	logger     *zap.Logger
	handler    http.Handler
	httpServer *http.Server
	now        func() time.Time
}

// New builds the router. It fails when a route names an unknown rate limit
// group.
func New(cfg Config, deps Deps) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logging.Component(deps.Logger, "server"),
		now:    time.Now,
	}
	h, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.handler = h
	return s, nil
}

func (s *Server) routes() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Use(s.accessLog)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.deps.Metrics.Handler().ServeHTTP)

	r.Route("/api/ops", func(r chi.Router) {
		if s.deps.Guard != nil {
			r.Use(s.deps.Guard.Middleware)
		}
		r.Get("/rate-limit-stats", s.handleRateLimitStats)
		if s.deps.Runs != nil {
			r.Get("/runs/{requestID}", s.handleGetRun)
		}
	})

	for _, route := range s.cfg.Routes {
		policy, ok := s.deps.Policies[route.Group]
		if !ok {
			return nil, fmt.Errorf("route %s: unknown rate limit group %q", route.Path, route.Group)
		}
		r.With(
			runs.RequestID,
			identity.Middleware(s.deps.Users, s.logger),
			s.deps.Evaluator.Middleware(policy),
		).Post(route.Path, s.adapt(s.deps.Recorder.Track(route.Type, s.convert(route.Type))))
	}

	return r, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests.
// This method blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("http server: %w", err)
	}
}
