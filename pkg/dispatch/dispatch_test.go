package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sitepulse/sitepulse/pkg/metrics"
	"github.com/sitepulse/sitepulse/pkg/record"
)

type fakeSink struct {
	name string
	err  error
	hang bool
	boom bool

	mu   sync.Mutex
	recs []record.Record
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Send(ctx context.Context, rec record.Record) error {
	if f.boom {
		panic("sink exploded")
	}
	if f.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	f.recs = append(f.recs, rec)
	f.mu.Unlock()
	return f.err
}

func (f *fakeSink) received() []record.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]record.Record(nil), f.recs...)
}

type vendorCall struct {
	command, target string
	params          map[string]any
}

type vendorSpy struct {
	mu    sync.Mutex
	calls []vendorCall
	err   error
}

func (v *vendorSpy) fn(_ context.Context, command, target string, params map[string]any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, vendorCall{command, target, params})
	return v.err
}

func (v *vendorSpy) snapshot() []vendorCall {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]vendorCall(nil), v.calls...)
}

func event() record.Record {
	return record.NewEvent("s1", "/shop", "add_to_cart", "", map[string]any{"sku": "A1"}, time.Now())
}

func TestFirstPartyFailureDoesNotBlockPixel(t *testing.T) {
	reg := NewRegistry()
	gtag := &vendorSpy{}
	reg.Register(VendorGtag, gtag.fn)

	d := New(time.Second)
	d.AddFirstParty(&fakeSink{name: "db", err: errors.New("permission denied")})
	d.AddPixel(NewGoogleAnalytics("G-TEST", reg))

	err := d.Dispatch(context.Background(), event())
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("Dispatch error = %v", err)
	}
	calls := gtag.snapshot()
	if len(calls) != 1 || calls[0].target != "add_to_cart" {
		t.Fatalf("gtag calls = %+v", calls)
	}
	if calls[0].params["send_to"] != "G-TEST" || calls[0].params["sku"] != "A1" {
		t.Errorf("gtag params = %+v", calls[0].params)
	}
}

func TestPixelFailureDoesNotBlockFirstParty(t *testing.T) {
	reg := NewRegistry()
	fbq := &vendorSpy{err: errors.New("blocked by extension")}
	reg.Register(VendorFbq, fbq.fn)

	db := &fakeSink{name: "db"}
	d := New(time.Second)
	d.AddPixel(NewMetaPixel("123", reg))
	d.AddFirstParty(db)

	if err := d.Dispatch(context.Background(), event()); err == nil {
		t.Fatal("expected pixel error")
	}
	if got := db.received(); len(got) != 1 || got[0].EventName != "add_to_cart" {
		t.Errorf("first-party sink received %+v", got)
	}
}

func TestDroppedCountedSeparately(t *testing.T) {
	shed := &fakeSink{name: "shedding", err: fmt.Errorf("buffer full: %w", ErrDropped)}
	d := New(time.Second)
	d.AddFirstParty(shed)

	dropped := metrics.SinkDeliveries.WithLabelValues("shedding", "dropped")
	failed := metrics.SinkDeliveries.WithLabelValues("shedding", "error")
	beforeDropped, beforeFailed := testutil.ToFloat64(dropped), testutil.ToFloat64(failed)

	if err := d.Dispatch(context.Background(), event()); !errors.Is(err, ErrDropped) {
		t.Fatalf("Dispatch = %v, want ErrDropped", err)
	}
	if d := testutil.ToFloat64(dropped) - beforeDropped; d != 1 {
		t.Errorf("dropped delta = %v, want 1", d)
	}
	if d := testutil.ToFloat64(failed) - beforeFailed; d != 0 {
		t.Errorf("error delta = %v, want 0", d)
	}
}

func TestPanicAndHangIsolated(t *testing.T) {
	ok := &fakeSink{name: "ok"}
	d := New(50 * time.Millisecond)
	d.AddFirstParty(&fakeSink{name: "panics", boom: true})
	d.AddFirstParty(&fakeSink{name: "hangs", hang: true})
	d.AddFirstParty(ok)

	start := time.Now()
	err := d.Dispatch(context.Background(), event())
	if err == nil {
		t.Fatal("expected joined error")
	}
	if !strings.Contains(err.Error(), "panicked") || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v", err)
	}
	if len(ok.received()) != 1 {
		t.Error("healthy sink not delivered")
	}
	if time.Since(start) > time.Second {
		t.Error("per-sink timeout not applied")
	}
}

func TestFallbackGoesMinimalToFirstPartyOnly(t *testing.T) {
	reg := NewRegistry()
	gtag := &vendorSpy{}
	reg.Register(VendorGtag, gtag.fn)
	db := &fakeSink{name: "db"}

	d := New(time.Second)
	d.AddFirstParty(db)
	d.AddPixel(NewGoogleAnalytics("G-TEST", reg))

	rec := record.NewPageView("s1", "/", "", time.Now())
	rec.IPAddress = "203.0.113.4"
	rec.Device = &record.DeviceFacts{DeviceType: record.DeviceDesktop}
	rec.Enrichment = record.EnrichmentFallback

	if err := d.Dispatch(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	got := db.received()
	if len(got) != 1 {
		t.Fatalf("db got %d records", len(got))
	}
	if got[0].IPAddress != "" || got[0].Device == nil || got[0].Enrichment != record.EnrichmentFallback {
		t.Errorf("first-party record = %+v", got[0])
	}
	if calls := gtag.snapshot(); len(calls) != 1 || calls[0].target != "page_view" {
		t.Errorf("gtag calls = %+v", calls)
	}
}

func TestDispatchFirstPartySkipsPixels(t *testing.T) {
	reg := NewRegistry()
	gtag := &vendorSpy{}
	reg.Register(VendorGtag, gtag.fn)
	db := &fakeSink{name: "db"}

	d := New(time.Second)
	d.AddFirstParty(db)
	d.AddPixel(NewGoogleAnalytics("G-TEST", reg))

	rec := record.NewPageView("s1", "/", "", time.Now())
	rec.IPAddress = "203.0.113.4"
	rec.Geo = &record.GeoFacts{Country: "NO"}

	if err := d.DispatchFirstParty(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	got := db.received()
	if len(got) != 1 || got[0].Geo != nil || got[0].IPAddress != "" || got[0].Enrichment != record.EnrichmentFallback {
		t.Errorf("first-party records = %+v", got)
	}
	if calls := gtag.snapshot(); len(calls) != 0 {
		t.Errorf("pixel reached by a first-party-only dispatch: %+v", calls)
	}
}

func TestPixelsInertWithoutConfigOrVendor(t *testing.T) {
	reg := NewRegistry()
	spy := &vendorSpy{}

	d := New(time.Second)
	d.AddPixel(NewGoogleAnalytics("", reg))
	d.AddPixel(NewMetaPixel("999", reg))
	if err := d.Dispatch(context.Background(), event()); err != nil {
		t.Fatalf("missing vendor functions must be a no-op: %v", err)
	}

	reg.Register(VendorGtag, spy.fn)
	if err := d.Dispatch(context.Background(), event()); err != nil {
		t.Fatal(err)
	}
	if n := len(spy.snapshot()); n != 0 {
		t.Errorf("gtag called %d times without a measurement ID", n)
	}
}

func TestMetaPixelInitOnce(t *testing.T) {
	reg := NewRegistry()
	fbq := &vendorSpy{}
	reg.Register(VendorFbq, fbq.fn)
	m := NewMetaPixel("123", reg)

	m.Send(context.Background(), record.NewPageView("s1", "/", "", time.Now()))
	m.Send(context.Background(), event())

	calls := fbq.snapshot()
	want := []string{"init/123", "track/PageView", "track/add_to_cart"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %+v", calls)
	}
	for i, c := range calls {
		if got := c.command + "/" + c.target; got != want[i] {
			t.Errorf("call %d = %s, want %s", i, got, want[i])
		}
	}
}

func TestEachSinkGetsItsOwnCopy(t *testing.T) {
	a := &mutatingSink{name: "a"}
	b := &fakeSink{name: "b"}
	d := New(time.Second)
	d.AddFirstParty(a)
	d.AddFirstParty(b)

	rec := event()
	d.Dispatch(context.Background(), rec)
	if rec.Parameters["sku"] != "A1" {
		t.Error("sink mutated the caller's record")
	}
}

type mutatingSink struct{ name string }

func (m *mutatingSink) Name() string { return m.name }
func (m *mutatingSink) Send(_ context.Context, rec record.Record) error {
	rec.Parameters["sku"] = "changed"
	return nil
}

type closingSink struct {
	fakeSink
	closed bool
}

func (c *closingSink) Close() error {
	c.closed = true
	return nil
}

func TestCloseClosesSinks(t *testing.T) {
	c := &closingSink{fakeSink: fakeSink{name: "c"}}
	d := New(0)
	d.AddFirstParty(c)
	if got := d.Sinks(); len(got) != 1 || got[0] != "c" {
		t.Errorf("Sinks = %v", got)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if !c.closed {
		t.Error("sink not closed")
	}
}
