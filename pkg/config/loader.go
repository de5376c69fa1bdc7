package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sitepulse/sitepulse/pkg/enrich"
	"github.com/sitepulse/sitepulse/pkg/exclusion"
	"github.com/sitepulse/sitepulse/pkg/store"
)

// Load reads and parses a SitePulse configuration file.
// Supports environment variable expansion in string values via ${VAR} syntax.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses configuration bytes, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given: in-memory
// storage, no sinks, no pixels.
func Default() *Config {
	cfg := &Config{Storage: StorageConfig{InMemory: true}}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Storage.Dir == "" && !c.Storage.InMemory {
		c.Storage.Dir = "/var/lib/sitepulse"
	}
	if c.Storage.Capacity == 0 {
		c.Storage.Capacity = store.DefaultCapacity
	}
	if c.Analytics.AdminPrefix == "" {
		c.Analytics.AdminPrefix = exclusion.DefaultAdminPrefix
	}
	if c.Geo.Timeout == 0 {
		c.Geo.Timeout = enrich.DefaultTimeout
	}
	if c.Geo.ProviderURL == "" {
		c.Geo.ProviderURL = enrich.DefaultGeoURL
	}
	if len(c.Geo.EchoServices) == 0 {
		c.Geo.EchoServices = enrich.DefaultEchoServices()
	}
	if c.Geo.CacheMaxEntries == 0 {
		c.Geo.CacheMaxEntries = enrich.DefaultGeoCacheEntries
	}
	if c.Dispatch.SinkTimeout == 0 {
		c.Dispatch.SinkTimeout = 3 * time.Second
	}
	if c.Dashboard.TopN == 0 {
		c.Dashboard.TopN = 10
	}
	if c.Dashboard.DefaultDays == 0 {
		c.Dashboard.DefaultDays = 30
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
}
