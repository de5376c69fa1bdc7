package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/sitepulse/sitepulse/pkg/record"
)

// GoogleAnalytics forwards records to the gtag vendor function. It is inert
// unless a measurement ID is configured and gtag is installed.
type GoogleAnalytics struct {
	measurementID string
	registry      Registry
}

// NewGoogleAnalytics returns the Google Analytics pixel sink.
func NewGoogleAnalytics(measurementID string, registry Registry) *GoogleAnalytics {
	return &GoogleAnalytics{measurementID: measurementID, registry: registry}
}

func (g *GoogleAnalytics) Name() string { return "google_analytics" }

func (g *GoogleAnalytics) Send(ctx context.Context, rec record.Record) error {
	if g.measurementID == "" {
		return nil
	}
	gtag, ok := g.registry.Lookup(VendorGtag)
	if !ok {
		return nil
	}

	params := pixelParams(rec)
	params["send_to"] = g.measurementID
	if rec.Kind == record.KindPageView {
		params["page_path"] = rec.PagePath
		if rec.Referrer != "" {
			params["page_referrer"] = rec.Referrer
		}
		return gtag(ctx, "event", "page_view", params)
	}
	params["event_category"] = rec.EventCategory
	return gtag(ctx, "event", rec.EventName, params)
}

// MetaPixel forwards records to the fbq vendor function, issuing init once
// before the first track.
type MetaPixel struct {
	pixelID  string
	registry Registry

	mu     sync.Mutex
	inited bool
}

// NewMetaPixel returns the Meta pixel sink.
func NewMetaPixel(pixelID string, registry Registry) *MetaPixel {
	return &MetaPixel{pixelID: pixelID, registry: registry}
}

func (m *MetaPixel) Name() string { return "meta_pixel" }

func (m *MetaPixel) Send(ctx context.Context, rec record.Record) error {
	if m.pixelID == "" {
		return nil
	}
	fbq, ok := m.registry.Lookup(VendorFbq)
	if !ok {
		return nil
	}
	if err := m.init(ctx, fbq); err != nil {
		return err
	}
	if rec.Kind == record.KindPageView {
		return fbq(ctx, "track", "PageView", pixelParams(rec))
	}
	return fbq(ctx, "track", rec.EventName, pixelParams(rec))
}

func (m *MetaPixel) init(ctx context.Context, fbq VendorFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inited {
		return nil
	}
	if err := fbq(ctx, "init", m.pixelID, nil); err != nil {
		return fmt.Errorf("fbq init: %w", err)
	}
	m.inited = true
	return nil
}

// pixelParams carries the event parameters plus the identifiers a
// server-side vendor endpoint needs to attribute the hit.
func pixelParams(rec record.Record) map[string]any {
	params := make(map[string]any, len(rec.Parameters)+4)
	for k, v := range rec.Parameters {
		params[k] = v
	}
	params["session_id"] = rec.SessionID
	params["page_path"] = rec.PagePath
	params["timestamp_micros"] = rec.Timestamp.UnixMicro()
	if rec.IPAddress != "" {
		params["ip_address"] = rec.IPAddress
	}
	return params
}
