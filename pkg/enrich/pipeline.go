// Package enrich attaches device and geographic context to captured records.
// Device facts are derived locally and synchronously; geo facts need network
// lookups and are resolved separately so capture never waits on them.
package enrich

import (
	"context"
	"log/slog"
	"time"

	"github.com/sitepulse/sitepulse/pkg/record"
)

// Features toggles the optional parts of tracking.
type Features struct {
	ScrollDepth     bool `yaml:"scroll_depth"`
	SessionDuration bool `yaml:"session_duration"`
	ConnectionType  bool `yaml:"connection_type"`
}

// Pipeline is the single enrichment configuration shared by all captures.
type Pipeline struct {
	features Features
	geo      *GeoEnricher
}

// NewPipeline returns a pipeline. geo may be nil to disable geo enrichment.
func NewPipeline(features Features, geo *GeoEnricher) *Pipeline {
	return &Pipeline{features: features, geo: geo}
}

// Features returns the enabled features.
func (p *Pipeline) Features() Features { return p.features }

// Device attaches device facts to rec.
func (p *Pipeline) Device(rec *record.Record, env Environment) {
	if env == nil {
		return
	}
	facts := DetectDevice(env, p.features.ConnectionType)
	rec.Device = &facts
}

// SessionElapsed stamps the seconds since sessionStart when the feature is on.
func (p *Pipeline) SessionElapsed(rec *record.Record, sessionStart time.Time) {
	if !p.features.SessionDuration || sessionStart.IsZero() {
		return
	}
	secs := rec.Timestamp.Sub(sessionStart).Seconds()
	if secs < 0 {
		secs = 0
	}
	rec.SessionElapsedSeconds = &secs
}

// Geo resolves geographic facts for ip and applies them to rec. It reports
// false when the lookup failed or timed out; rec is then left without geo.
func (p *Pipeline) Geo(ctx context.Context, rec *record.Record, ip string) bool {
	if p.geo == nil {
		rec.IPAddress = ip
		rec.Enrichment = record.EnrichmentFull
		return true
	}
	used, facts, err := p.geo.Resolve(ctx, ip)
	rec.IPAddress = used
	if err != nil {
		slog.Debug("geo enrichment failed", "record", rec.ID, "error", err)
		rec.Enrichment = record.EnrichmentFallback
		return false
	}
	rec.Geo = facts
	rec.Enrichment = record.EnrichmentFull
	return true
}
