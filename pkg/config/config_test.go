package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sitepulse/sitepulse/pkg/enrich"
	"github.com/sitepulse/sitepulse/pkg/sink"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	content := `
server:
  addr: 127.0.0.1:8181
  admin_token: s3cret
  trust_proxy: true
storage:
  dir: /var/lib/sitepulse-test
  capacity: 250
analytics:
  admin_prefix: /wp-admin
  features:
    scroll_depth: true
    session_duration: true
geo:
  timeout: 2s
  cache_ttl: 1h
collector:
  max_concurrency: 8
sinks:
  - name: warehouse
    type: postgres
    dsn: postgres://sitepulse@localhost/sitepulse
  - type: kafka
    brokers: [kafka-1:9092]
    topic: telemetry
    batch_size: 50
pixels:
  google_analytics:
    measurement_id: G-TEST
    api_secret: abc
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:8181" {
		t.Errorf("Server.Addr = %q, want 127.0.0.1:8181", cfg.Server.Addr)
	}
	if !cfg.Server.TrustProxy {
		t.Error("Server.TrustProxy should be true")
	}
	if cfg.Storage.Capacity != 250 {
		t.Errorf("Storage.Capacity = %d, want 250", cfg.Storage.Capacity)
	}
	if cfg.Analytics.AdminPrefix != "/wp-admin" {
		t.Errorf("AdminPrefix = %q, want /wp-admin", cfg.Analytics.AdminPrefix)
	}
	if !cfg.Analytics.Features.ScrollDepth || !cfg.Analytics.Features.SessionDuration {
		t.Errorf("Features = %+v, want scroll and session duration on", cfg.Analytics.Features)
	}
	if cfg.Analytics.Features.ConnectionType {
		t.Error("ConnectionType should default to off")
	}
	if cfg.Geo.Timeout != 2*time.Second {
		t.Errorf("Geo.Timeout = %v, want 2s", cfg.Geo.Timeout)
	}
	if cfg.Geo.CacheTTL != time.Hour {
		t.Errorf("Geo.CacheTTL = %v, want 1h", cfg.Geo.CacheTTL)
	}
	if cfg.Collector.MaxConcurrency != 8 {
		t.Errorf("Collector.MaxConcurrency = %d, want 8", cfg.Collector.MaxConcurrency)
	}
	if len(cfg.Sinks) != 2 {
		t.Fatalf("Sinks len = %d, want 2", len(cfg.Sinks))
	}
	if cfg.Sinks[1].DisplayName() != "kafka" {
		t.Errorf("unnamed sink DisplayName = %q, want kafka", cfg.Sinks[1].DisplayName())
	}
	if cfg.Sinks[1].BatchSize != 50 {
		t.Errorf("kafka BatchSize = %d, want 50", cfg.Sinks[1].BatchSize)
	}
	if cfg.Pixels.GoogleAnalytics.MeasurementID != "G-TEST" {
		t.Errorf("MeasurementID = %q, want G-TEST", cfg.Pixels.GoogleAnalytics.MeasurementID)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Storage.Dir != "/var/lib/sitepulse" {
		t.Errorf("Storage.Dir = %q, want /var/lib/sitepulse", cfg.Storage.Dir)
	}
	if cfg.Storage.Capacity != 1000 {
		t.Errorf("Storage.Capacity = %d, want 1000", cfg.Storage.Capacity)
	}
	if cfg.Analytics.AdminPrefix != "/admin" {
		t.Errorf("AdminPrefix = %q, want /admin", cfg.Analytics.AdminPrefix)
	}
	if !cfg.Geo.GeoEnabled() {
		t.Error("geo should be enabled by default")
	}
	if cfg.Geo.Timeout != enrich.DefaultTimeout {
		t.Errorf("Geo.Timeout = %v, want %v", cfg.Geo.Timeout, enrich.DefaultTimeout)
	}
	if cfg.Geo.CacheTTL != 0 {
		t.Errorf("Geo.CacheTTL = %v, want 0 (never expire)", cfg.Geo.CacheTTL)
	}
	if len(cfg.Geo.EchoServices) != len(enrich.DefaultEchoServices()) {
		t.Errorf("EchoServices len = %d, want defaults", len(cfg.Geo.EchoServices))
	}
	if cfg.Dispatch.SinkTimeout != 3*time.Second {
		t.Errorf("SinkTimeout = %v, want 3s", cfg.Dispatch.SinkTimeout)
	}
	if cfg.Dashboard.TopN != 10 || cfg.Dashboard.DefaultDays != 30 {
		t.Errorf("Dashboard = %+v, want top_n 10 and default_days 30", cfg.Dashboard)
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("SITEPULSE_TEST_DSN", "postgres://from-env/db")
	content := `
storage:
  in_memory: true
sinks:
  - type: postgres
    dsn: ${SITEPULSE_TEST_DSN}
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sinks[0].DSN != "postgres://from-env/db" {
		t.Errorf("DSN = %q, want expanded value", cfg.Sinks[0].DSN)
	}
	if cfg.Storage.Dir != "" {
		t.Errorf("Storage.Dir = %q, want empty for in-memory", cfg.Storage.Dir)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unterminated\n"))
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_MetricsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "storage:\n  in_memory: true\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Metrics.MetricsEnabled() {
		t.Error("metrics should be enabled by default")
	}
	if cfg.Metrics.Addr != ":9090" {
		t.Errorf("Metrics.Addr = %q, want :9090", cfg.Metrics.Addr)
	}
}

func TestLoad_MetricsDisabled(t *testing.T) {
	content := `
storage:
  in_memory: true
metrics:
  enabled: false
geo:
  enabled: false
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Metrics.MetricsEnabled() {
		t.Error("metrics should be disabled")
	}
	if cfg.Geo.GeoEnabled() {
		t.Error("geo should be disabled")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	if !cfg.Storage.InMemory {
		t.Error("Default should use in-memory storage")
	}
}

func validConfig() *Config {
	return &Config{Storage: StorageConfig{InMemory: true}}
}

func TestValidate_OK(t *testing.T) {
	cfg := validConfig()
	cfg.Sinks = []sink.Config{
		{Type: sink.TypeStdout},
		{Name: "lake", Type: sink.TypeArchive, Backend: "s3", RemotePath: "bucket/telemetry"},
		{Type: sink.TypeLoki, URL: "http://loki:3100"},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"storage dir", func(c *Config) { c.Storage.InMemory = false }, "storage.dir"},
		{"negative capacity", func(c *Config) { c.Storage.Capacity = -1 }, "capacity"},
		{"relative admin prefix", func(c *Config) { c.Analytics.AdminPrefix = "admin" }, "admin_prefix"},
		{"negative timeout", func(c *Config) { c.Geo.Timeout = -time.Second }, "negative"},
		{"empty echo url", func(c *Config) {
			c.Geo.EchoServices = []enrich.EchoService{{Name: "broken"}}
		}, "empty url"},
		{"duplicate sink", func(c *Config) {
			c.Sinks = []sink.Config{{Type: sink.TypeStdout}, {Type: sink.TypeStdout}}
		}, "duplicate"},
		{"empty sink type", func(c *Config) { c.Sinks = []sink.Config{{Name: "x"}} }, "empty type"},
		{"unknown sink type", func(c *Config) { c.Sinks = []sink.Config{{Type: "carrier-pigeon"}} }, "unknown type"},
		{"postgres dsn", func(c *Config) { c.Sinks = []sink.Config{{Type: sink.TypePostgres}} }, "dsn"},
		{"http url", func(c *Config) { c.Sinks = []sink.Config{{Type: sink.TypeHTTP}} }, "url"},
		{"kafka brokers", func(c *Config) {
			c.Sinks = []sink.Config{{Type: sink.TypeKafka, Topic: "t"}}
		}, "brokers"},
		{"kafka topic", func(c *Config) {
			c.Sinks = []sink.Config{{Type: sink.TypeKafka, Brokers: []string{"k:9092"}}}
		}, "topic"},
		{"archive backend", func(c *Config) { c.Sinks = []sink.Config{{Type: sink.TypeArchive}} }, "backend"},
		{"negative batch", func(c *Config) {
			c.Sinks = []sink.Config{{Type: sink.TypeStdout, BatchSize: -1}}
		}, "batch_size"},
		{"negative max pending", func(c *Config) {
			c.Sinks = []sink.Config{{Type: sink.TypeStdout, MaxPending: -1}}
		}, "max_pending"},
		{"ga secret", func(c *Config) { c.Pixels.GoogleAnalytics.MeasurementID = "G-1" }, "api_secret"},
		{"meta token", func(c *Config) { c.Pixels.MetaPixel.PixelID = "123" }, "access_token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}
