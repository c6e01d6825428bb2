// Package api exposes the catalog and the job manager over HTTP: JSON
// resources under /v1, a server-sent event stream of job and cache events,
// Prometheus metrics and a health check.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/registry"
	"github.com/openfroyo/pkgdeck/pkg/telemetry"
)

// DefaultHeartbeat is the idle interval between SSE keep-alive comments.
const DefaultHeartbeat = 15 * time.Second

// Options wires a Server to the engine.
type Options struct {
	Catalog   *engine.Catalog
	Jobs      *engine.JobManager
	Registry  *registry.Registry
	Telemetry *telemetry.Telemetry

	// Version is reported by /healthz.
	Version string

	// Heartbeat overrides DefaultHeartbeat.
	Heartbeat time.Duration
}

// Server is the HTTP front end.
type Server struct {
	catalog   *engine.Catalog
	jobs      *engine.JobManager
	registry  *registry.Registry
	events    *telemetry.EventPublisher
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
	validate  *validator.Validate
	version   string
	heartbeat time.Duration
	handler   http.Handler
}

// New creates a server. A nil Telemetry disables metrics and events.
func New(opts Options) *Server {
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	s := &Server{
		catalog:   opts.Catalog,
		jobs:      opts.Jobs,
		registry:  opts.Registry,
		events:    tel.Events,
		metrics:   tel.Metrics,
		logger:    tel.Logger.Component("api"),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		version:   opts.Version,
		heartbeat: heartbeat,
	}
	s.handler = s.instrument(s.routes())
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/managers", s.handleManagers)
	mux.HandleFunc("GET /v1/managers/{name}", s.handleManager)
	mux.HandleFunc("GET /v1/managers/{name}/packages", s.handlePackages)
	mux.HandleFunc("GET /v1/managers/{name}/outdated", s.handleOutdated)
	mux.HandleFunc("GET /v1/managers/{name}/packages/{pkg}", s.handleInfo)
	mux.HandleFunc("GET /v1/managers/{name}/packages/{pkg}/dependencies", s.handleDependencies)
	mux.HandleFunc("GET /v1/search", s.handleSearch)

	mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("DELETE /v1/jobs", s.handleClearJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /v1/jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("GET /v1/jobs/{id}/logs", s.handleJobLogs)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancelJob)

	mux.HandleFunc("DELETE /v1/cache/{name}", s.handleInvalidate)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		defer func() {
			if p := recover(); p != nil {
				s.logger.Error().
					Interface("panic", p).
					Bytes("stack", debug.Stack()).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				if rec.status == 0 {
					s.writeError(rec, r, fmt.Errorf("internal error"))
				}
			}

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			duration := time.Since(start)
			s.metrics.RecordHTTPRequest(route, r.Method, status, duration)
			s.logger.Debug().
				Str("method", r.Method).
				Str("route", route).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("duration", duration).
				Msg("request")
		}()

		next.ServeHTTP(rec, r)
	})
}

// ServeConfig tunes the listener.
type ServeConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, cfg ServeConfig) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}
	return s.Serve(ctx, ln, cfg)
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener, cfg ServeConfig) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("api listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.logger.Info().Msg("api shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}
