// Package api assembles the HTTP server: shared middleware, the public
// health endpoints, metrics, and the authenticated v1 surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/securedocs/sdap/pkg/api/v1"
	authmw "github.com/securedocs/sdap/pkg/auth/middleware"
	"github.com/securedocs/sdap/pkg/auth/token"
	"github.com/securedocs/sdap/pkg/cache"
	"github.com/securedocs/sdap/pkg/logger"
	"github.com/securedocs/sdap/pkg/ratelimit"
)

// Deps are the wired dependencies the server needs.
type Deps struct {
	Validator   *token.Validator
	Routes      *v1.Routes
	Limits      *ratelimit.Registry
	CacheHealth cache.HealthReporter
}

// NewRouter assembles the full routing tree.
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(recoverer)
	r.Use(requestCache)

	// Public endpoints: no authentication, source-address rate limiting.
	r.Group(func(r chi.Router) {
		r.Use(deps.Limits.Limit(ratelimit.PolicyAnonymous))
		r.Get("/healthz", healthcheck(deps.CacheHealth))
		r.Get("/ping", ping)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Everything else requires a verified bearer token.
	r.Group(func(r chi.Router) {
		r.Use(authmw.Authenticator(deps.Validator))
		r.Mount("/", deps.Routes.Router())
	})

	return r
}

// healthcheck reports liveness plus the shared cache's state. A degraded
// cache is worth surfacing but not worth failing the probe over.
func healthcheck(cacheHealth cache.HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cacheState := "ok"
		if cacheHealth != nil && !cacheHealth.Healthy(r.Context()) {
			cacheState = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(map[string]string{
			"status": "ok",
			"cache":  cacheState,
		}); err != nil {
			logger.Warnf("failed to encode health response: %v", err)
		}
	}
}

// ping is the minimal liveness probe.
func ping(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("pong"))
}

// Server wraps http.Server with graceful shutdown.
type Server struct {
	httpServer    *http.Server
	shutdownGrace time.Duration
}

// NewServer creates the server.
func NewServer(addr string, handler http.Handler, shutdownGrace time.Duration) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownGrace: shutdownGrace,
	}
}

// Run serves until the context is cancelled, then drains in-flight
// requests within the grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
