package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sitepulse/sitepulse/pkg/enrich"
	"github.com/sitepulse/sitepulse/pkg/sink"
	"github.com/sitepulse/sitepulse/pkg/telemetry"
)

// Config is the top-level SitePulse configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Storage   StorageConfig             `yaml:"storage"`
	Analytics AnalyticsConfig           `yaml:"analytics"`
	Geo       GeoConfig                 `yaml:"geo"`
	Collector telemetry.CollectorConfig `yaml:"collector"`
	Dispatch  DispatchConfig            `yaml:"dispatch"`
	Sinks     []sink.Config             `yaml:"sinks"`
	Pixels    PixelsConfig              `yaml:"pixels"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	Dashboard DashboardConfig           `yaml:"dashboard"`
}

// ServerConfig configures the collector HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"` // default ":8080"
	// AdminToken gates the admin and dashboard routes when set.
	AdminToken     string   `yaml:"admin_token"`
	AllowedOrigins []string `yaml:"allowed_origins"` // CORS origins allowed to beacon
	CookieSecure   bool     `yaml:"cookie_secure"`
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool `yaml:"trust_proxy"`
	// RateLimit caps collect requests per client per minute; 0 disables.
	RateLimit int `yaml:"rate_limit"`
}

// StorageConfig configures the durable key-value store.
type StorageConfig struct {
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"in_memory"`
	Capacity int    `yaml:"capacity"` // records per bounded log; default 1000
}

// AnalyticsConfig configures exclusion and the optional tracking features.
type AnalyticsConfig struct {
	AdminPrefix string          `yaml:"admin_prefix"` // default "/admin"
	Features    enrich.Features `yaml:"features"`
}

// GeoConfig configures geo enrichment.
type GeoConfig struct {
	Enabled      *bool                `yaml:"enabled"` // default true
	ProviderURL  string               `yaml:"provider_url"`
	EchoServices []enrich.EchoService `yaml:"echo_services"`
	// ResolvePublicIP asks the echo services when the client address is
	// unknown. Off for the HTTP collector, where the request carries it.
	ResolvePublicIP bool          `yaml:"resolve_public_ip"`
	Timeout         time.Duration `yaml:"timeout"`
	CacheMaxEntries int64         `yaml:"cache_max_entries"`
	CacheTTL        time.Duration `yaml:"cache_ttl"` // 0 = never expire
}

// GeoEnabled returns whether geo enrichment should run.
func (g GeoConfig) GeoEnabled() bool {
	if g.Enabled == nil {
		return true
	}
	return *g.Enabled
}

// DispatchConfig configures sink delivery.
type DispatchConfig struct {
	SinkTimeout time.Duration `yaml:"sink_timeout"`
}

// PixelsConfig configures the third-party pixel sinks. A pixel is only
// active when its ID is set.
type PixelsConfig struct {
	GoogleAnalytics GoogleAnalyticsConfig `yaml:"google_analytics"`
	MetaPixel       MetaPixelConfig       `yaml:"meta_pixel"`
}

// GoogleAnalyticsConfig configures GA4 Measurement Protocol delivery.
type GoogleAnalyticsConfig struct {
	MeasurementID string `yaml:"measurement_id"`
	APISecret     string `yaml:"api_secret"`
	Endpoint      string `yaml:"endpoint"`
}

// MetaPixelConfig configures Meta Conversions API delivery.
type MetaPixelConfig struct {
	PixelID     string `yaml:"pixel_id"`
	AccessToken string `yaml:"access_token"`
	Endpoint    string `yaml:"endpoint"`
}

// MetricsConfig configures the Prometheus metrics and health endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"` // pointer to distinguish unset from false; default true
	Addr    string `yaml:"addr"`    // listen address; default ":9090"
}

// MetricsEnabled returns whether the metrics server should run.
func (m MetricsConfig) MetricsEnabled() bool {
	if m.Enabled == nil {
		return true // default: enabled
	}
	return *m.Enabled
}

// DashboardConfig configures dashboard query defaults.
type DashboardConfig struct {
	TopN        int `yaml:"top_n"`        // default 10
	DefaultDays int `yaml:"default_days"` // default 30
}

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("config: server.rate_limit cannot be negative, got %d", c.Server.RateLimit)
	}
	if c.Storage.Capacity < 0 {
		return fmt.Errorf("config: storage.capacity must be positive, got %d", c.Storage.Capacity)
	}
	if !c.Storage.InMemory && c.Storage.Dir == "" {
		return fmt.Errorf("config: storage.dir is required unless storage.in_memory is set")
	}
	if p := c.Analytics.AdminPrefix; p != "" && !strings.HasPrefix(p, "/") {
		return fmt.Errorf("config: analytics.admin_prefix must start with /, got %q", p)
	}
	if c.Geo.Timeout < 0 || c.Geo.CacheTTL < 0 || c.Dispatch.SinkTimeout < 0 {
		return fmt.Errorf("config: timeouts and ttls cannot be negative")
	}
	for _, svc := range c.Geo.EchoServices {
		if svc.URL == "" {
			return fmt.Errorf("config: geo echo service %q has empty url", svc.Name)
		}
	}
	if c.Dashboard.TopN < 0 {
		return fmt.Errorf("config: dashboard.top_n must be positive, got %d", c.Dashboard.TopN)
	}

	names := make(map[string]bool)
	for _, s := range c.Sinks {
		name := s.DisplayName()
		if name == "" {
			return fmt.Errorf("config: sink type cannot be empty")
		}
		if names[name] {
			return fmt.Errorf("config: duplicate sink name %q", name)
		}
		names[name] = true
		if err := validateSink(name, s); err != nil {
			return err
		}
	}

	ga := c.Pixels.GoogleAnalytics
	if ga.MeasurementID != "" && ga.APISecret == "" {
		return fmt.Errorf("config: pixels.google_analytics requires api_secret with measurement_id")
	}
	meta := c.Pixels.MetaPixel
	if meta.PixelID != "" && meta.AccessToken == "" {
		return fmt.Errorf("config: pixels.meta_pixel requires access_token with pixel_id")
	}
	return nil
}

// validateSink checks that required fields are set for each sink type.
func validateSink(name string, s sink.Config) error {
	switch s.Type {
	case sink.TypePostgres:
		if s.DSN == "" {
			return fmt.Errorf("config: sink %q: postgres requires dsn", name)
		}
	case sink.TypeHTTP, sink.TypeLoki:
		if s.URL == "" {
			return fmt.Errorf("config: sink %q: %s requires url", name, s.Type)
		}
	case sink.TypeKafka:
		if len(s.Brokers) == 0 {
			return fmt.Errorf("config: sink %q: kafka requires brokers", name)
		}
		if s.Topic == "" {
			return fmt.Errorf("config: sink %q: kafka requires topic", name)
		}
	case sink.TypeArchive:
		if s.Backend == "" {
			return fmt.Errorf("config: sink %q: archive requires backend", name)
		}
	case sink.TypeFile, sink.TypeStdout, sink.TypeMemory, sink.TypeNop:
		// No extra config required
	case "":
		return fmt.Errorf("config: sink %q has empty type", name)
	default:
		return fmt.Errorf("config: sink %q: unknown type %q", name, s.Type)
	}
	if s.BatchSize < 0 || s.FlushInterval < 0 || s.MaxPending < 0 {
		return fmt.Errorf("config: sink %q: batch_size, flush_interval and max_pending cannot be negative", name)
	}
	return nil
}
