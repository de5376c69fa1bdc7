package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sitepulse/sitepulse/pkg/dispatch"
	"github.com/sitepulse/sitepulse/pkg/enrich"
	"github.com/sitepulse/sitepulse/pkg/exclusion"
	"github.com/sitepulse/sitepulse/pkg/identity"
	"github.com/sitepulse/sitepulse/pkg/kv"
	"github.com/sitepulse/sitepulse/pkg/metrics"
	"github.com/sitepulse/sitepulse/pkg/record"
	"github.com/sitepulse/sitepulse/pkg/sink"
	"github.com/sitepulse/sitepulse/pkg/store"
)

const uaIPhone = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1"

type geoStub struct {
	calls atomic.Int32
	err   error
	gate  chan struct{}
}

func (g *geoStub) Lookup(ctx context.Context, ip string) (record.GeoFacts, error) {
	g.calls.Add(1)
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return record.GeoFacts{}, ctx.Err()
		}
	}
	if g.err != nil {
		return record.GeoFacts{}, g.err
	}
	return record.GeoFacts{Country: "Norway", City: "Oslo"}, nil
}

type harness struct {
	c      *Collector
	policy *exclusion.Policy
	store  *store.Local
	mem    *sink.Memory
	geo    *geoStub
}

func newHarness(t *testing.T, features enrich.Features, cfg CollectorConfig) *harness {
	t.Helper()
	db, err := kv.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	local, err := store.Open(db, 100)
	if err != nil {
		t.Fatal(err)
	}
	policy := exclusion.New(db, "")
	geo := &geoStub{}
	pipeline := enrich.NewPipeline(features, enrich.NewGeoEnricher(nil, geo, nil, time.Second))
	mem := sink.NewMemory("memory")
	d := dispatch.New(time.Second)
	d.AddFirstParty(mem)

	c, err := NewCollector(cfg, policy, identity.NewProvider(), pipeline, local, d)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{c: c, policy: policy, store: local, mem: mem, geo: geo}
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func client(scope identity.Scope, path string) Client {
	return Client{
		Scope: scope,
		Env:   enrich.StaticEnvironment{UA: uaIPhone, ScreenWidth: 390, ScreenHeight: 844, TZ: "Europe/Oslo"},
		Path:  path,
		IP:    "203.0.113.20",
	}
}

func TestNewCollectorRequiresStore(t *testing.T) {
	if _, err := NewCollector(CollectorConfig{}, nil, nil, nil, nil, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestTrackPageViewStoresThenDelivers(t *testing.T) {
	h := newHarness(t, enrich.Features{}, CollectorConfig{})
	scope := identity.NewMemoryScope()

	h.c.TrackPageView(client(scope, "/products"), "")

	stored := h.store.PageViews(0)
	if len(stored) != 1 {
		t.Fatalf("stored %d page views", len(stored))
	}
	if stored[0].Device == nil || stored[0].Device.DeviceType != record.DeviceMobile {
		t.Errorf("device facts missing on stored record: %+v", stored[0].Device)
	}

	h.flush(t)

	stored = h.store.PageViews(0)
	if stored[0].Geo == nil || stored[0].Geo.City != "Oslo" || stored[0].Enrichment != record.EnrichmentFull {
		t.Errorf("stored record not patched with geo: %+v", stored[0])
	}
	delivered := h.mem.Records()
	if len(delivered) != 1 || delivered[0].ID != stored[0].ID || delivered[0].Geo == nil {
		t.Errorf("delivered = %+v", delivered)
	}
	if delivered[0].IPAddress != "203.0.113.20" {
		t.Errorf("IPAddress = %q", delivered[0].IPAddress)
	}
}

func TestGeoFailureDeliversFallback(t *testing.T) {
	h := newHarness(t, enrich.Features{}, CollectorConfig{})
	h.geo.err = errors.New("provider down")

	h.c.TrackPageView(client(identity.NewMemoryScope(), "/"), "")
	h.flush(t)

	got := h.mem.Records()
	if len(got) != 1 {
		t.Fatalf("delivered %d records", len(got))
	}
	if got[0].Enrichment != record.EnrichmentFallback || got[0].IPAddress != "" || got[0].Device == nil {
		t.Errorf("fallback record = %+v", got[0])
	}
	if st := h.store.PageViews(0)[0]; st.Enrichment != record.EnrichmentFallback {
		t.Errorf("stored enrichment = %q", st.Enrichment)
	}
}

func TestSessionSharedAcrossCaptures(t *testing.T) {
	h := newHarness(t, enrich.Features{}, CollectorConfig{})
	scope := identity.NewMemoryScope()

	h.c.TrackPageView(client(scope, "/"), "")
	h.c.TrackEvent(client(scope, "/"), "cta_click", nil)
	h.c.TrackPageView(client(identity.NewMemoryScope(), "/"), "")

	recs := h.store.Query(0)
	if len(recs) != 3 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].SessionID != recs[1].SessionID {
		t.Error("same scope should share a session")
	}
	if recs[0].SessionID == recs[2].SessionID {
		t.Error("different scopes should not share a session")
	}
}

func TestTrackEventCategory(t *testing.T) {
	h := newHarness(t, enrich.Features{}, CollectorConfig{})
	params := map[string]any{"event_category": "ecommerce", "value": 12.5, "items": []string{"x"}}

	h.c.TrackEvent(client(identity.NewMemoryScope(), "/cart"), "purchase", params)
	h.c.TrackEvent(client(identity.NewMemoryScope(), "/cart"), "share", nil)
	h.c.TrackEvent(client(identity.NewMemoryScope(), "/cart"), "", nil)

	evs := h.store.Events(0)
	if len(evs) != 2 {
		t.Fatalf("got %d events", len(evs))
	}
	if evs[0].EventCategory != "ecommerce" || evs[0].Parameters["value"] != 12.5 {
		t.Errorf("event = %+v", evs[0])
	}
	if _, ok := evs[0].Parameters["event_category"]; ok {
		t.Error("event_category left in parameters")
	}
	if _, ok := evs[0].Parameters["items"]; ok {
		t.Error("non-scalar parameter kept")
	}
	if evs[1].EventCategory != record.DefaultEventCategory {
		t.Errorf("default category = %q", evs[1].EventCategory)
	}
	if _, ok := params["event_category"]; !ok {
		t.Error("caller's params mutated")
	}
}

func TestSuppression(t *testing.T) {
	h := newHarness(t, enrich.Features{}, CollectorConfig{})
	before := testutil.ToFloat64(metrics.RecordsSuppressed.WithLabelValues("pageview"))

	h.c.TrackPageView(client(identity.NewMemoryScope(), "/admin/blog"), "")
	h.policy.Disable()
	h.c.TrackPageView(client(identity.NewMemoryScope(), "/"), "")
	h.c.TrackEvent(client(identity.NewMemoryScope(), "/"), "click", nil)
	h.flush(t)

	if pv, ev := h.store.Len(); pv != 0 || ev != 0 {
		t.Errorf("stored %d/%d records while suppressed", pv, ev)
	}
	if h.mem.Len() != 0 {
		t.Error("suppressed record delivered")
	}
	if d := testutil.ToFloat64(metrics.RecordsSuppressed.WithLabelValues("pageview")) - before; d != 2 {
		t.Errorf("suppressed delta = %v, want 2", d)
	}

	h.policy.Enable()
	h.c.TrackPageView(client(identity.NewMemoryScope(), "/"), "")
	if pv, _ := h.store.Len(); pv != 1 {
		t.Error("Enable should take effect on the next capture")
	}
}

func TestSaturatedPoolDropsTask(t *testing.T) {
	h := newHarness(t, enrich.Features{}, CollectorConfig{MaxConcurrency: 1})
	h.geo.gate = make(chan struct{})
	before := testutil.ToFloat64(metrics.TasksDropped)

	h.c.TrackPageView(client(identity.NewMemoryScope(), "/a"), "")
	start := time.Now()
	h.c.TrackPageView(client(identity.NewMemoryScope(), "/b"), "")
	if time.Since(start) > 500*time.Millisecond {
		t.Error("capture blocked on a saturated pool")
	}
	close(h.geo.gate)
	h.flush(t)

	if d := testutil.ToFloat64(metrics.TasksDropped) - before; d != 1 {
		t.Errorf("dropped delta = %v, want 1", d)
	}
	stored := h.store.PageViews(0)
	if len(stored) != 2 {
		t.Fatalf("both captures must be stored, got %d", len(stored))
	}
	if stored[1].Enrichment != record.EnrichmentFallback {
		t.Errorf("dropped task record enrichment = %q", stored[1].Enrichment)
	}
	delivered := h.mem.Records()
	if len(delivered) != 2 {
		t.Fatalf("delivered %d, want both records", len(delivered))
	}
	for _, r := range delivered {
		if r.PagePath != "/b" {
			continue
		}
		if r.Enrichment != record.EnrichmentFallback || r.Geo != nil || r.IPAddress != "" {
			t.Errorf("dropped task delivered as %+v, want the minimal form", r)
		}
	}
}

type gatedSink struct {
	gate chan struct{}
	mu   sync.Mutex
	recs []record.Record
}

func (g *gatedSink) Name() string { return "gated" }

func (g *gatedSink) Send(ctx context.Context, rec record.Record) error {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.mu.Lock()
	g.recs = append(g.recs, rec)
	g.mu.Unlock()
	return nil
}

func (g *gatedSink) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.recs)
}

func TestFallbackQueueBounded(t *testing.T) {
	db, err := kv.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	local, err := store.Open(db, 100)
	if err != nil {
		t.Fatal(err)
	}
	gated := &gatedSink{gate: make(chan struct{})}
	d := dispatch.New(5 * time.Second)
	d.AddFirstParty(gated)
	c, err := NewCollector(CollectorConfig{MaxConcurrency: 1, FallbackQueue: 1},
		exclusion.New(db, ""), identity.NewProvider(), nil, local, d)
	if err != nil {
		t.Fatal(err)
	}

	c.TrackPageView(client(identity.NewMemoryScope(), "/a"), "")
	start := time.Now()
	for i := 0; i < 20; i++ {
		c.TrackPageView(client(identity.NewMemoryScope(), "/b"), "")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("capture blocked on a full fallback queue")
	}
	close(gated.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if n := gated.count(); n < 2 || n > 3 {
		t.Errorf("delivered %d, want the queued record plus at most two fallbacks", n)
	}
	if pv, _ := local.Len(); pv != 21 {
		t.Errorf("stored %d page views, want all 21", pv)
	}
}

type panickyEnv struct{ enrich.StaticEnvironment }

func (panickyEnv) UserAgent() string { panic("navigator gone") }

func TestCaptureNeverPanics(t *testing.T) {
	h := newHarness(t, enrich.Features{}, CollectorConfig{})
	before := testutil.ToFloat64(metrics.CapturePanics)

	cl := Client{Scope: identity.NewMemoryScope(), Env: panickyEnv{}, Path: "/"}
	h.c.TrackPageView(cl, "")
	h.c.TrackEvent(cl, "click", nil)

	if d := testutil.ToFloat64(metrics.CapturePanics) - before; d != 2 {
		t.Errorf("recovered panics = %v, want 2", d)
	}
}

func TestOutOfOrderEnrichmentKeepsCaptureOrder(t *testing.T) {
	h := newHarness(t, enrich.Features{}, CollectorConfig{})
	scope := identity.NewMemoryScope()
	base := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	var i int
	var mu sync.Mutex
	h.c.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		i++
		return base.Add(time.Duration(i) * time.Second)
	})

	for _, p := range []string{"/1", "/2", "/3", "/4"} {
		h.c.TrackPageView(client(scope, p), "")
	}
	h.flush(t)

	got := h.store.PageViews(0)
	for j, want := range []string{"/1", "/2", "/3", "/4"} {
		if got[j].PagePath != want {
			t.Errorf("position %d = %s, want %s", j, got[j].PagePath, want)
		}
	}
}

func TestSessionDurationFeature(t *testing.T) {
	h := newHarness(t, enrich.Features{SessionDuration: true}, CollectorConfig{})
	scope := identity.NewMemoryScope()

	h.c.TrackPageView(client(scope, "/"), "")
	h.c.TrackPageView(client(scope, "/next"), "")

	for _, r := range h.store.PageViews(0) {
		if r.SessionElapsedSeconds == nil || *r.SessionElapsedSeconds < 0 {
			t.Errorf("SessionElapsedSeconds = %v", r.SessionElapsedSeconds)
		}
	}
}

func TestTrackScrollDepth(t *testing.T) {
	h := newHarness(t, enrich.Features{ScrollDepth: true}, CollectorConfig{})
	scope := identity.NewMemoryScope()
	cl := client(scope, "/blog/post")

	h.c.TrackScrollDepth(cl, 60)
	h.c.TrackScrollDepth(cl, 55)
	h.c.TrackScrollDepth(cl, 100)
	h.c.TrackScrollDepth(client(scope, "/other"), 30)

	var got []int
	for _, e := range h.store.Events(0) {
		if e.EventName != "scroll_depth" || e.EventCategory != "engagement" {
			t.Errorf("unexpected event %+v", e)
		}
		got = append(got, e.Parameters["percent"].(int))
	}
	want := []int{25, 50, 75, 100, 25}
	if len(got) != len(want) {
		t.Fatalf("milestones = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("milestones = %v, want %v", got, want)
			break
		}
	}
}

func TestScrollDepthWhileSuppressed(t *testing.T) {
	h := newHarness(t, enrich.Features{ScrollDepth: true}, CollectorConfig{})
	scope := identity.NewMemoryScope()

	h.policy.Disable()
	h.c.TrackScrollDepth(client(scope, "/blog/post"), 50)
	h.policy.Enable()
	h.c.TrackScrollDepth(client(scope, "/blog/post"), 50)

	if _, ev := h.store.Len(); ev != 2 {
		t.Errorf("stored %d scroll events, want 25 and 50 after re-enabling", ev)
	}

	h.c.TrackScrollDepth(client(scope, "/admin/pages"), 100)
	if _, ok := scope.Get(scrollKeyPrefix + "/admin/pages"); ok {
		t.Error("milestone recorded for a suppressed admin page")
	}
}

func TestAdminMarkerSuppressesOnlyThatSession(t *testing.T) {
	h := newHarness(t, enrich.Features{}, CollectorConfig{})
	admin, visitor := identity.NewMemoryScope(), identity.NewMemoryScope()
	h.policy.SetAdminExclusion(true)
	if err := h.policy.SetCurrentUserAdmin(admin, true); err != nil {
		t.Fatal(err)
	}

	h.c.TrackPageView(client(admin, "/"), "")
	h.c.TrackPageView(client(visitor, "/"), "")
	h.c.TrackPageView(client(nil, "/"), "")

	if pv, _ := h.store.Len(); pv != 2 {
		t.Errorf("stored %d page views, want the two non-admin captures", pv)
	}
}

func TestScrollDepthDisabled(t *testing.T) {
	h := newHarness(t, enrich.Features{}, CollectorConfig{})
	h.c.TrackScrollDepth(client(identity.NewMemoryScope(), "/"), 100)
	if _, ev := h.store.Len(); ev != 0 {
		t.Errorf("stored %d scroll events with feature off", ev)
	}
}

func TestCloseDrainsAndStopsDelivery(t *testing.T) {
	h := newHarness(t, enrich.Features{}, CollectorConfig{})
	h.c.TrackPageView(client(identity.NewMemoryScope(), "/"), "")

	if err := h.c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.mem.Len() != 1 {
		t.Errorf("Close did not drain: %d delivered", h.mem.Len())
	}

	h.c.TrackPageView(client(identity.NewMemoryScope(), "/late"), "")
	if pv, _ := h.store.Len(); pv != 2 {
		t.Error("capture after Close should still be stored")
	}
	if h.mem.Len() != 1 {
		t.Error("capture after Close should not be delivered")
	}
}

func TestFlushHonoursContext(t *testing.T) {
	h := newHarness(t, enrich.Features{}, CollectorConfig{})
	h.geo.gate = make(chan struct{})

	h.c.TrackPageView(client(identity.NewMemoryScope(), "/"), "")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.c.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Flush = %v, want deadline exceeded", err)
	}

	close(h.geo.gate)
	h.flush(t)
}
