package record

import (
	"testing"
	"time"
)

func TestNewEventDefaultsCategory(t *testing.T) {
	ev := NewEvent("s1", "/shop", "add_to_cart", "", nil, time.Now())
	if ev.EventCategory != DefaultEventCategory {
		t.Errorf("category = %q, want %q", ev.EventCategory, DefaultEventCategory)
	}
	if ev.Kind != KindEvent || ev.ID == "" {
		t.Errorf("unexpected event envelope: %+v", ev)
	}

	ev = NewEvent("s1", "/shop", "add_to_cart", "commerce", nil, time.Now())
	if ev.EventCategory != "commerce" {
		t.Errorf("category = %q, want commerce", ev.EventCategory)
	}
}

func TestScalarParamsDropsComposites(t *testing.T) {
	got := ScalarParams(map[string]any{
		"sku":   "A-1",
		"qty":   2,
		"price": 9.5,
		"gift":  true,
		"none":  nil,
		"tags":  []string{"x"},
		"meta":  map[string]any{"k": "v"},
	})
	if len(got) != 5 {
		t.Fatalf("kept %d params, want 5: %v", len(got), got)
	}
	if _, ok := got["tags"]; ok {
		t.Error("slice value should be dropped")
	}
	if ScalarParams(map[string]any{"only": []int{1}}) != nil {
		t.Error("all-composite params should collapse to nil")
	}
}

func TestMinimalStripsGeo(t *testing.T) {
	rec := NewPageView("s1", "/", "https://example.com", time.Now())
	rec.Device = &DeviceFacts{DeviceType: DeviceMobile, IsMobile: true}
	rec.Geo = &GeoFacts{Country: "Japan"}
	rec.IPAddress = "203.0.113.9"

	m := rec.Minimal()
	if m.Geo != nil || m.IPAddress != "" {
		t.Errorf("Minimal kept geo facts: %+v", m)
	}
	if m.Device == nil || m.Device.DeviceType != DeviceMobile {
		t.Error("Minimal should keep device facts")
	}
	if m.Enrichment != EnrichmentFallback {
		t.Errorf("Enrichment = %q, want fallback", m.Enrichment)
	}
	if rec.Geo == nil {
		t.Error("Minimal must not modify the original")
	}
}

func TestCloneIsDeep(t *testing.T) {
	rec := NewEvent("s", "/", "e", "", map[string]any{"a": 1}, time.Now())
	rec.Device = &DeviceFacts{Browser: "Firefox"}
	c := rec.Clone()
	c.Parameters["a"] = 2
	c.Device.Browser = "Chrome"
	if rec.Parameters["a"] != 1 || rec.Device.Browser != "Firefox" {
		t.Error("Clone shares state with the original")
	}
}

func TestGeoFactsEmpty(t *testing.T) {
	if !(GeoFacts{}).Empty() {
		t.Error("zero GeoFacts should be empty")
	}
	if (GeoFacts{City: "Lima"}).Empty() {
		t.Error("GeoFacts with a city is not empty")
	}
}
