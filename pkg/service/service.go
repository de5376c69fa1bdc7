// Package service assembles a running SitePulse collector from its
// configuration.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sitepulse/sitepulse/pkg/aggregate"
	"github.com/sitepulse/sitepulse/pkg/config"
	"github.com/sitepulse/sitepulse/pkg/control"
	"github.com/sitepulse/sitepulse/pkg/dispatch"
	"github.com/sitepulse/sitepulse/pkg/enrich"
	"github.com/sitepulse/sitepulse/pkg/exclusion"
	"github.com/sitepulse/sitepulse/pkg/identity"
	"github.com/sitepulse/sitepulse/pkg/kv"
	"github.com/sitepulse/sitepulse/pkg/metrics"
	"github.com/sitepulse/sitepulse/pkg/pixel"
	"github.com/sitepulse/sitepulse/pkg/sink"
	"github.com/sitepulse/sitepulse/pkg/store"
	"github.com/sitepulse/sitepulse/pkg/telemetry"
)

// Service is a wired collector.
type Service struct {
	Config     *config.Config
	DB         *kv.BadgerStore
	Store      *store.Local
	Policy     *exclusion.Policy
	Dispatcher *dispatch.Dispatcher
	Collector  *telemetry.Collector
	Aggregator *aggregate.Aggregator
	API        *control.Server

	sinks    []dispatch.Sink
	geoCache *enrich.GeoCache
}

// New opens storage, builds the sinks and wires the capture path.
func New(ctx context.Context, cfg *config.Config) (_ *Service, err error) {
	s := &Service{Config: cfg}
	defer func() {
		if err != nil {
			s.closeResources()
		}
	}()

	if cfg.Storage.InMemory {
		s.DB, err = kv.OpenInMemory()
	} else {
		s.DB, err = kv.Open(cfg.Storage.Dir)
	}
	if err != nil {
		return nil, fmt.Errorf("service.New: %w", err)
	}

	s.Store, err = store.Open(s.DB, cfg.Storage.Capacity)
	if err != nil {
		return nil, fmt.Errorf("service.New: %w", err)
	}
	s.Policy = exclusion.New(s.DB, cfg.Analytics.AdminPrefix)

	var geo *enrich.GeoEnricher
	if cfg.Geo.GeoEnabled() {
		geo, err = s.buildGeo()
		if err != nil {
			return nil, err
		}
	}
	pipeline := enrich.NewPipeline(cfg.Analytics.Features, geo)

	s.Dispatcher = dispatch.New(cfg.Dispatch.SinkTimeout)
	for _, sc := range cfg.Sinks {
		sk, err := sink.New(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("service.New: sink %q: %w", sc.DisplayName(), err)
		}
		s.sinks = append(s.sinks, sk)
		s.Dispatcher.AddFirstParty(sk)
	}
	s.addPixels()

	s.Collector, err = telemetry.NewCollector(cfg.Collector, s.Policy, identity.NewProvider(), pipeline, s.Store, s.Dispatcher)
	if err != nil {
		return nil, fmt.Errorf("service.New: %w", err)
	}
	s.Aggregator = aggregate.New(s.Store, cfg.Dashboard.TopN)
	s.API = control.NewServer(control.Config{
		Addr:           cfg.Server.Addr,
		AdminToken:     cfg.Server.AdminToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		CookieSecure:   cfg.Server.CookieSecure,
		TrustProxy:     cfg.Server.TrustProxy,
		RateLimit:      cfg.Server.RateLimit,
		DefaultDays:    cfg.Dashboard.DefaultDays,
	}, s.Collector, s.Policy, s.Aggregator)
	return s, nil
}

func (s *Service) buildGeo() (*enrich.GeoEnricher, error) {
	g := s.Config.Geo
	cache, err := enrich.NewGeoCache(enrich.GeoCacheConfig{MaxEntries: g.CacheMaxEntries, TTL: g.CacheTTL})
	if err != nil {
		return nil, fmt.Errorf("service.New: %w", err)
	}
	s.geoCache = cache

	var resolver enrich.IPResolver
	if g.ResolvePublicIP {
		resolver = enrich.NewEchoChain(nil, g.EchoServices...)
	}
	provider := enrich.NewHTTPGeoProvider(nil, g.ProviderURL)
	return enrich.NewGeoEnricher(resolver, provider, cache, g.Timeout), nil
}

// addPixels registers the server-side vendor functions and the pixel sinks
// that call them. Unconfigured pixels are not added.
func (s *Service) addPixels() {
	p := s.Config.Pixels
	registry := dispatch.NewRegistry()

	if ga := p.GoogleAnalytics; ga.MeasurementID != "" {
		registry.Register(dispatch.VendorGtag, pixel.NewGA4(ga.Endpoint, ga.MeasurementID, ga.APISecret).Gtag)
		s.Dispatcher.AddPixel(dispatch.NewGoogleAnalytics(ga.MeasurementID, registry))
	}
	if meta := p.MetaPixel; meta.PixelID != "" {
		registry.Register(dispatch.VendorFbq, pixel.NewMeta(meta.Endpoint, meta.AccessToken).Fbq)
		s.Dispatcher.AddPixel(dispatch.NewMetaPixel(meta.PixelID, registry))
	}
}

// Sink returns the first-party sink named name.
func (s *Service) Sink(name string) (dispatch.Sink, bool) {
	for _, sk := range s.sinks {
		if sk.Name() == name {
			return sk, true
		}
	}
	return nil, false
}

// RegisterHealthChecks adds the key-value store and every sink that can be
// pinged to the /healthz report.
func (s *Service) RegisterHealthChecks() {
	metrics.RegisterHealthCheck("kv", s.DB.Ping)
	for _, sk := range s.sinks {
		if p, ok := sk.(interface{ Ping() error }); ok {
			metrics.RegisterHealthCheck("sink:"+sk.Name(), p.Ping)
		}
	}
}

// Run serves the API, and metrics when enabled, until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	metricsStop := make(chan struct{})
	defer close(metricsStop)
	if s.Config.Metrics.MetricsEnabled() {
		go func() {
			if err := metrics.MetricsServer(s.Config.Metrics.Addr, metricsStop); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
		slog.Info("metrics server started", "addr", s.Config.Metrics.Addr)
	} else {
		slog.Info("metrics server disabled")
	}
	return s.API.Run(ctx)
}

// Close drains background work, closes the sinks and releases storage.
func (s *Service) Close(ctx context.Context) error {
	var err error
	if s.Collector != nil {
		err = s.Collector.Close(ctx)
	}
	return errors.Join(err, s.closeResources())
}

// closeResources releases what New opened. Sinks are closed by the collector
// once it exists.
func (s *Service) closeResources() error {
	var errs []error
	if s.Collector == nil {
		for _, sk := range s.sinks {
			if c, ok := sk.(io.Closer); ok {
				errs = append(errs, c.Close())
			}
		}
	}
	if s.geoCache != nil {
		s.geoCache.Close()
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	return errors.Join(errs...)
}
