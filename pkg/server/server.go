// Package server exposes the public presale API: totals for the site
// header, the contribution list, and distribution progress. It is
// read-only; everything that moves tokens lives behind the operator CLI.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/duckinhell/presale/pkg/chain"
	"github.com/duckinhell/presale/pkg/distributor"
	"github.com/duckinhell/presale/pkg/ledger"
	"github.com/duckinhell/presale/pkg/metrics"
)

// ContributionSource is the slice of the cache the API serves from.
type ContributionSource interface {
	Contributions(ctx context.Context, forceRefresh bool) []chain.Contribution
	TotalRaised(ctx context.Context) float64
	UniqueContributors(ctx context.Context) int
}

// PayoutDecorator annotates contributions with their payout records.
type PayoutDecorator interface {
	Decorate([]chain.Contribution) []chain.Contribution
}

// DistributionWatcher reports distribution job progress.
type DistributionWatcher interface {
	Status() distributor.Status
}

type Config struct {
	Logger     *slog.Logger
	ListenAddr string

	Source    ContributionSource
	Decorator PayoutDecorator

	// Watcher is optional; without it the distribution status endpoint
	// reports idle.
	Watcher DistributionWatcher

	// Rate and MinTokenThreshold are surfaced to the site so it can render
	// entitlement previews.
	Rate              float64
	MinTokenThreshold float64

	// AllowedOrigins for CORS. Empty means same-origin only.
	AllowedOrigins []string

	// RequestsPerMinute is the per-IP API budget. Zero disables limiting.
	RequestsPerMinute int

	Version string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("contribution source is required")
	}
	if cfg.Decorator == nil {
		return errors.New("payout decorator is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return nil
}

type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	srv     *http.Server
	limiter *ipRateLimiter
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.metricsMiddleware)

	if len(s.cfg.AllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
	}

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.Route("/api/presale", func(r chi.Router) {
		if s.cfg.RequestsPerMinute > 0 {
			s.limiter = newIPRateLimiter(rate.Every(time.Minute/time.Duration(s.cfg.RequestsPerMinute)), s.cfg.RequestsPerMinute)
			r.Use(s.limiter.middleware)
		}
		r.Get("/status", s.handleStatus)
		r.Get("/contributions", s.handleContributions)
		r.Get("/contributions.csv", s.handleContributionsCSV)
		r.Get("/distribution/status", s.handleDistributionStatus)
	})
}

// metricsMiddleware records request counts, latency and in-flight gauge
// per chi route pattern.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.HTTPRequestsInFlight.Inc()
		defer metrics.HTTPRequestsInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, fmt.Sprintf("%d", ww.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports ready once the cache can produce any view of the
// presale, fresh or fallback.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"contributions": len(s.cfg.Source.Contributions(r.Context(), false)),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Version})
}

// handleStatus serves the site header numbers.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"totalRaised":       s.cfg.Source.TotalRaised(ctx),
		"contributors":      s.cfg.Source.UniqueContributors(ctx),
		"distributionRate":  s.cfg.Rate,
		"minTokenThreshold": s.cfg.MinTokenThreshold,
	})
}

// handleContributions serves the decorated contribution list. refresh=true
// forces a chain rescan.
func (s *Server) handleContributions(w http.ResponseWriter, r *http.Request) {
	forceRefresh := r.URL.Query().Get("refresh") == "true"
	contributions := s.cfg.Decorator.Decorate(s.cfg.Source.Contributions(r.Context(), forceRefresh))
	s.writeJSON(w, http.StatusOK, contributions)
}

func (s *Server) handleContributionsCSV(w http.ResponseWriter, r *http.Request) {
	contributions := s.cfg.Decorator.Decorate(s.cfg.Source.Contributions(r.Context(), false))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="contributions.csv"`)
	if err := ledger.ExportContributionsCSV(w, contributions); err != nil {
		s.log.Error("server: failed to write contributions csv", "error", err)
	}
}

func (s *Server) handleDistributionStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Watcher == nil {
		s.writeJSON(w, http.StatusOK, distributor.Status{State: distributor.StateIdle})
		return
	}
	s.writeJSON(w, http.StatusOK, s.cfg.Watcher.Status())
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("server: shutting down")
	if s.limiter != nil {
		s.limiter.close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return <-errCh
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("server: failed to encode response", "error", err)
	}
}
