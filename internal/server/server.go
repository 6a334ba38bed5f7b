// Package server exposes the memory engine over HTTP: JSON CRUD and search
// under /v1, a line-delimited streaming chat endpoint, health and Prometheus
// endpoints. Error kinds map onto status codes so clients can tell a bad
// request from a failing model backend.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"memscreen/internal/config"
	"memscreen/internal/memory"
)

// Server routes HTTP traffic to one engine.
type Server struct {
	engine *memory.Engine
	logger *zap.Logger
}

// New wires a server around an engine.
func New(engine *memory.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{engine: engine, logger: logger}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/memories", s.handleAdd)
		r.Get("/memories", s.handleList)
		r.Delete("/memories", s.handleDeleteAll)
		r.Get("/memories/{id}", s.handleGet)
		r.Patch("/memories/{id}", s.handleUpdate)
		r.Delete("/memories/{id}", s.handleDelete)
		r.Get("/memories/{id}/history", s.handleHistory)
		r.Post("/search", s.handleSearch)
		r.Post("/chat", s.handleChat)
	})
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.engine.Metrics().Handler())

	return r
}

// instrument logs every request and feeds the HTTP metrics. The route
// pattern, not the raw path, labels the metric so cardinality stays bounded.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.engine.Metrics().RecordHTTP(r.Method, route, ww.Status(), elapsed)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// Serve runs the HTTP API until ctx is canceled, then drains in-flight
// requests within the configured shutdown grace.
func Serve(ctx context.Context, cfg *config.Config, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler,
		ReadTimeout: cfg.GetServerReadTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		return err
	}
	logger.Info("http api stopped")
	return nil
}
