// Package control serves the SitePulse HTTP API: the beacon endpoint browsers
// post captures to, the admin exclusion controls, and the dashboard queries.
package control

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sitepulse/sitepulse/pkg/aggregate"
	"github.com/sitepulse/sitepulse/pkg/exclusion"
	"github.com/sitepulse/sitepulse/pkg/telemetry"
)

// Config configures the HTTP API server.
type Config struct {
	Addr string
	// AdminToken, when set, must be presented as a bearer token on admin
	// and dashboard routes. The beacon endpoint is never gated.
	AdminToken     string
	AllowedOrigins []string
	CookieSecure   bool
	TrustProxy     bool
	// RateLimit caps beacons per client per minute. Excess beacons are
	// dropped with the usual 204. Zero disables the limit.
	RateLimit   int
	DefaultDays int
}

// Server is the SitePulse HTTP API server.
type Server struct {
	cfg       Config
	collector *telemetry.Collector
	policy    *exclusion.Policy
	agg       *aggregate.Aggregator
	httpSrv   *http.Server
}

// NewServer creates an API server.
func NewServer(cfg Config, collector *telemetry.Collector, policy *exclusion.Policy, agg *aggregate.Aggregator) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.DefaultDays == 0 {
		cfg.DefaultDays = 30
	}
	return &Server{cfg: cfg, collector: collector, policy: policy, agg: agg}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterAPIRoutes(mux)
	return mux
}

// Run starts the HTTP server. It blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "addr", s.cfg.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("api shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}
