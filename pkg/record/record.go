// Package record defines the telemetry records captured from browsing
// sessions and the optional enrichment attached to them.
package record

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the two record variants.
type Kind string

const (
	KindPageView Kind = "pageview"
	KindEvent    Kind = "event"
)

// DefaultEventCategory is used when an event is captured without a category.
const DefaultEventCategory = "general"

// Enrichment reports how far enrichment got before the record was dispatched.
type Enrichment string

const (
	EnrichmentPending  Enrichment = ""
	EnrichmentFull     Enrichment = "full"
	EnrichmentFallback Enrichment = "fallback"
)

// DeviceType is the coarse form factor derived from the user agent.
type DeviceType string

const (
	DeviceDesktop DeviceType = "Desktop"
	DeviceMobile  DeviceType = "Mobile"
	DeviceTablet  DeviceType = "Tablet"
)

// DeviceFacts are derived locally from the user agent and screen metrics.
type DeviceFacts struct {
	DeviceType       DeviceType `json:"device_type"`
	Browser          string     `json:"browser"`
	OperatingSystem  string     `json:"operating_system"`
	ScreenResolution string     `json:"screen_resolution,omitempty"`
	Timezone         string     `json:"timezone,omitempty"`
	IsMobile         bool       `json:"is_mobile"`
	ConnectionType   string     `json:"connection_type,omitempty"`
}

// GeoFacts are resolved remotely from the client's public IP.
type GeoFacts struct {
	Country   string  `json:"country,omitempty"`
	Region    string  `json:"region,omitempty"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// Empty reports whether no geographic field was resolved.
func (g GeoFacts) Empty() bool {
	return g.Country == "" && g.Region == "" && g.City == "" && g.Latitude == 0 && g.Longitude == 0
}

// Record is a page view or an interaction event. The envelope fields are
// shared; EventName, EventCategory and Parameters are only set on events.
// Enrichment fields are optional and consumers must tolerate their absence.
type Record struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"ts"`
	PagePath  string    `json:"page_path"`
	Referrer  string    `json:"referrer,omitempty"`

	EventName     string         `json:"event_name,omitempty"`
	EventCategory string         `json:"event_category,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`

	Device    *DeviceFacts `json:"device,omitempty"`
	Geo       *GeoFacts    `json:"geo,omitempty"`
	IPAddress string       `json:"ip_address,omitempty"`

	SessionElapsedSeconds *float64   `json:"session_elapsed_seconds,omitempty"`
	Enrichment            Enrichment `json:"enrichment,omitempty"`
}

// NewPageView returns a page view record stamped with a fresh ID.
func NewPageView(sessionID, path, referrer string, ts time.Time) Record {
	return Record{
		ID:        uuid.NewString(),
		Kind:      KindPageView,
		SessionID: sessionID,
		Timestamp: ts,
		PagePath:  path,
		Referrer:  referrer,
	}
}

// NewEvent returns an event record. An empty category becomes
// DefaultEventCategory and non-scalar parameter values are dropped.
func NewEvent(sessionID, path, name, category string, params map[string]any, ts time.Time) Record {
	if category == "" {
		category = DefaultEventCategory
	}
	return Record{
		ID:            uuid.NewString(),
		Kind:          KindEvent,
		SessionID:     sessionID,
		Timestamp:     ts,
		PagePath:      path,
		EventName:     name,
		EventCategory: category,
		Parameters:    ScalarParams(params),
	}
}

// ScalarParams copies params keeping only scalar values.
func ScalarParams(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch v.(type) {
		case nil, string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
			out[k] = v
		default:
			slog.Debug("dropping non-scalar event parameter", "key", k)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Clone returns a deep copy so that a record handed to a background task
// cannot alias the stored one.
func (r Record) Clone() Record {
	c := r
	if r.Parameters != nil {
		c.Parameters = make(map[string]any, len(r.Parameters))
		for k, v := range r.Parameters {
			c.Parameters[k] = v
		}
	}
	if r.Device != nil {
		d := *r.Device
		c.Device = &d
	}
	if r.Geo != nil {
		g := *r.Geo
		c.Geo = &g
	}
	if r.SessionElapsedSeconds != nil {
		s := *r.SessionElapsedSeconds
		c.SessionElapsedSeconds = &s
	}
	return c
}

// Minimal returns the fallback form written to first-party sinks when full
// enrichment did not complete: the envelope and device facts only.
func (r Record) Minimal() Record {
	c := r.Clone()
	c.Geo = nil
	c.IPAddress = ""
	c.Enrichment = EnrichmentFallback
	return c
}
