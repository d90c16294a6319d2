// Package api is the REST front door of the dispatch plane: synchronous and
// streaming inference, async job management, model and provider listings,
// health, and Prometheus metrics. Tenant identity is resolved server-side
// from the API key; client-supplied tenant fields are never trusted.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inferd-io/inferd/pkg/breaker"
	"github.com/inferd-io/inferd/pkg/jobs"
	"github.com/inferd-io/inferd/pkg/metrics"
	"github.com/inferd-io/inferd/pkg/provider"
	"github.com/inferd-io/inferd/pkg/registry"
	"github.com/inferd-io/inferd/pkg/routing"
)

// Config controls the HTTP server.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	// AnonymousEnabled admits requests without an API key under the
	// community tenant.
	AnonymousEnabled bool
	// RateLimitRPS and RateLimitBurst throttle per API key (per client IP
	// for anonymous requests). Zero disables rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// Deps are the wired dispatch-plane components the server fronts.
type Deps struct {
	Router    *routing.Router
	Jobs      *jobs.Manager
	Registry  registry.Store
	Providers *provider.Registry
	Breakers  *breaker.Registry
	Sink      *metrics.Sink
	// Prometheus is the registry backing GET /metrics.
	Prometheus *prometheus.Registry
	// ResolveKey maps an API key to a tenant ID.
	ResolveKey KeyResolver
}

// Server is the HTTP server.
type Server struct {
	cfg  Config
	deps Deps
	http *http.Server
}

// NewServer assembles the server and its routes.
func NewServer(cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	s := &Server{cfg: cfg, deps: deps}
	s.http = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     s.buildRouter(),
		ReadTimeout: cfg.ReadTimeout,
	}
	return s
}

// Handler exposes the assembled routes, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(securityHeaders())

	// Unauthenticated surface.
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Prometheus, promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1")
	v1.Use(authMiddleware(s.deps.ResolveKey, s.cfg.AnonymousEnabled))
	if s.cfg.RateLimitRPS > 0 {
		v1.Use(rateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst))
	}

	v1.POST("/infer", s.handleInfer)
	v1.POST("/jobs", s.handleJobSubmit)
	v1.GET("/jobs", s.handleJobList)
	v1.GET("/jobs/:id", s.handleJobGet)
	v1.DELETE("/jobs/:id", s.handleJobCancel)
	v1.POST("/jobs/:id/cancel", s.handleJobCancel)
	v1.GET("/models", s.handleModelList)
	v1.GET("/providers", s.handleProviderList)
	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down HTTP server", "timeout", s.cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
