package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/sitepulse/sitepulse/pkg/metrics"
	"github.com/sitepulse/sitepulse/pkg/record"
)

// DefaultTimeout bounds every enrichment network call.
const DefaultTimeout = 3 * time.Second

// ErrPrivateAddress is returned for addresses that have no public geography.
var ErrPrivateAddress = errors.New("enrich: private or loopback address")

// IPResolver finds the public IP of the client.
type IPResolver interface {
	PublicIP(ctx context.Context) (string, error)
}

// GeoProvider maps an IP address to geographic facts.
type GeoProvider interface {
	Lookup(ctx context.Context, ip string) (record.GeoFacts, error)
}

// EchoService is an endpoint that reports the caller's public IP, either as
// JSON with an "ip" field or as a bare address.
type EchoService struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// DefaultEchoServices is the fallback chain used when none is configured.
func DefaultEchoServices() []EchoService {
	return []EchoService{
		{Name: "ipify", URL: "https://api.ipify.org?format=json"},
		{Name: "ipify64", URL: "https://api64.ipify.org?format=json"},
		{Name: "ipapi", URL: "https://ipapi.co/json/"},
	}
}

// EchoChain queries echo services one at a time and returns the first
// successful answer.
type EchoChain struct {
	services []EchoService
	client   *http.Client
}

// NewEchoChain returns a resolver over services. A nil client uses one with
// DefaultTimeout.
func NewEchoChain(client *http.Client, services ...EchoService) *EchoChain {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if len(services) == 0 {
		services = DefaultEchoServices()
	}
	return &EchoChain{services: services, client: client}
}

// PublicIP walks the chain in order. Later services are only tried after the
// earlier ones fail.
func (c *EchoChain) PublicIP(ctx context.Context) (string, error) {
	var errs []error
	for _, svc := range c.services {
		ip, err := c.query(ctx, svc)
		if err == nil {
			metrics.IPResolutions.WithLabelValues(svc.Name, "ok").Inc()
			return ip, nil
		}
		metrics.IPResolutions.WithLabelValues(svc.Name, "error").Inc()
		slog.Debug("ip echo service failed", "service", svc.Name, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", svc.Name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("enrich.EchoChain: %w", errors.Join(errs...))
}

func (c *EchoChain) query(ctx context.Context, svc EchoService) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}

	raw := strings.TrimSpace(string(body))
	var payload struct {
		IP string `json:"ip"`
	}
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", fmt.Errorf("decode: %w", err)
		}
		raw = payload.IP
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return "", fmt.Errorf("bad address %q: %w", raw, err)
	}
	return addr.String(), nil
}

// HTTPGeoProvider looks addresses up against an ipapi.co compatible API:
// GET {BaseURL}/{ip}/json/.
type HTTPGeoProvider struct {
	baseURL string
	client  *http.Client
}

// DefaultGeoURL is the geolocation API used when none is configured.
const DefaultGeoURL = "https://ipapi.co"

// NewHTTPGeoProvider returns a provider for baseURL.
func NewHTTPGeoProvider(client *http.Client, baseURL string) *HTTPGeoProvider {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if baseURL == "" {
		baseURL = DefaultGeoURL
	}
	return &HTTPGeoProvider{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type ipapiResponse struct {
	City        string  `json:"city"`
	Region      string  `json:"region"`
	CountryName string  `json:"country_name"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Error       bool    `json:"error"`
	Reason      string  `json:"reason"`
}

// Lookup fetches geo facts for ip.
func (p *HTTPGeoProvider) Lookup(ctx context.Context, ip string) (record.GeoFacts, error) {
	url := fmt.Sprintf("%s/%s/json/", p.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return record.GeoFacts{}, fmt.Errorf("enrich.HTTPGeoProvider: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return record.GeoFacts{}, fmt.Errorf("enrich.HTTPGeoProvider: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return record.GeoFacts{}, fmt.Errorf("enrich.HTTPGeoProvider: unexpected status %d", resp.StatusCode)
	}

	var body ipapiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return record.GeoFacts{}, fmt.Errorf("enrich.HTTPGeoProvider: decode: %w", err)
	}
	if body.Error {
		return record.GeoFacts{}, fmt.Errorf("enrich.HTTPGeoProvider: %s", body.Reason)
	}
	return record.GeoFacts{
		Country:   body.CountryName,
		Region:    body.Region,
		City:      body.City,
		Latitude:  body.Latitude,
		Longitude: body.Longitude,
	}, nil
}

// GeoCacheConfig sizes the geo cache. A zero TTL keeps entries for the life
// of the process.
type GeoCacheConfig struct {
	MaxEntries int64
	TTL        time.Duration
}

// DefaultGeoCacheEntries caps the cache when no size is configured.
const DefaultGeoCacheEntries = 100_000

// GeoCache holds resolved geo facts keyed by IP address.
type GeoCache struct {
	cache *ristretto.Cache[string, record.GeoFacts]
	ttl   time.Duration
}

// NewGeoCache creates a cache.
func NewGeoCache(cfg GeoCacheConfig) (*GeoCache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultGeoCacheEntries
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, record.GeoFacts]{
		NumCounters:        cfg.MaxEntries * 10,
		MaxCost:            cfg.MaxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("enrich.NewGeoCache: %w", err)
	}
	return &GeoCache{cache: cache, ttl: cfg.TTL}, nil
}

// Get returns the cached facts for ip.
func (c *GeoCache) Get(ip string) (record.GeoFacts, bool) {
	return c.cache.Get(ip)
}

// Set stores facts for ip and waits until they are visible to Get.
func (c *GeoCache) Set(ip string, facts record.GeoFacts) {
	if c.ttl > 0 {
		c.cache.SetWithTTL(ip, facts, 1, c.ttl)
	} else {
		c.cache.Set(ip, facts, 1)
	}
	c.cache.Wait()
}

// Close releases the cache's background goroutines.
func (c *GeoCache) Close() {
	c.cache.Close()
}

// GeoEnricher resolves geo facts for a client address. Concurrent misses for
// the same address may both reach the provider.
type GeoEnricher struct {
	resolver IPResolver
	provider GeoProvider
	cache    *GeoCache
	timeout  time.Duration
}

// NewGeoEnricher wires the pieces. resolver may be nil, in which case
// captures without a known address get no geo facts.
func NewGeoEnricher(resolver IPResolver, provider GeoProvider, cache *GeoCache, timeout time.Duration) *GeoEnricher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &GeoEnricher{resolver: resolver, provider: provider, cache: cache, timeout: timeout}
}

// IsPublic reports whether ip is a routable public address.
func IsPublic(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return !(addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() || addr.IsMulticast())
}

// Resolve returns the address that was used and its geo facts. An empty ip
// is resolved through the echo chain. A nil error with nil facts means the
// address was skipped, not that the lookup failed.
func (g *GeoEnricher) Resolve(ctx context.Context, ip string) (string, *record.GeoFacts, error) {
	start := time.Now()
	defer func() { metrics.EnrichDuration.Observe(time.Since(start).Seconds()) }()

	if ip == "" {
		if g.resolver == nil {
			metrics.GeoLookups.WithLabelValues("skipped").Inc()
			return "", nil, nil
		}
		rctx, cancel := context.WithTimeout(ctx, g.timeout)
		resolved, err := g.resolver.PublicIP(rctx)
		cancel()
		if err != nil {
			metrics.GeoLookups.WithLabelValues("error").Inc()
			return "", nil, err
		}
		ip = resolved
	}
	if !IsPublic(ip) {
		metrics.GeoLookups.WithLabelValues("skipped").Inc()
		return ip, nil, nil
	}

	if g.cache != nil {
		if facts, ok := g.cache.Get(ip); ok {
			metrics.GeoLookups.WithLabelValues("hit").Inc()
			return ip, &facts, nil
		}
	}

	lctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	facts, err := g.provider.Lookup(lctx, ip)
	if err != nil {
		metrics.GeoLookups.WithLabelValues("error").Inc()
		return ip, nil, err
	}
	metrics.GeoLookups.WithLabelValues("miss").Inc()
	if facts.Empty() {
		return ip, nil, nil
	}
	if g.cache != nil {
		g.cache.Set(ip, facts)
	}
	return ip, &facts, nil
}
