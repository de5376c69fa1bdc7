// Package telemetry is the capture API. It records page views and events
// locally in capture order and hands geo enrichment and sink delivery to a
// bounded pool of background tasks.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sitepulse/sitepulse/pkg/dispatch"
	"github.com/sitepulse/sitepulse/pkg/enrich"
	"github.com/sitepulse/sitepulse/pkg/exclusion"
	"github.com/sitepulse/sitepulse/pkg/identity"
	"github.com/sitepulse/sitepulse/pkg/metrics"
	"github.com/sitepulse/sitepulse/pkg/record"
	"github.com/sitepulse/sitepulse/pkg/store"
)

// DefaultMaxConcurrency caps in-flight background tasks.
const DefaultMaxConcurrency = 64

// DefaultFallbackQueue caps records waiting for a fallback delivery.
const DefaultFallbackQueue = 1024

// CollectorConfig configures the capture path.
type CollectorConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	TaskTimeout    time.Duration `yaml:"task_timeout"`
	// FallbackQueue bounds records whose background task was dropped and
	// that wait for a minimal first-party delivery.
	FallbackQueue int `yaml:"fallback_queue"`
}

// fallbackItem is a record awaiting minimal delivery, or a barrier closed
// once every item queued before it is handled.
type fallbackItem struct {
	rec     record.Record
	barrier chan struct{}
}

// Client describes who is capturing: their session storage, their runtime
// environment and, when known, their address.
type Client struct {
	Scope    identity.Scope
	Env      enrich.Environment
	Path     string
	Referrer string
	IP       string
}

// Collector implements the capture API.
type Collector struct {
	cfg        CollectorConfig
	policy     *exclusion.Policy
	ids        *identity.Provider
	pipeline   *enrich.Pipeline
	store      *store.Local
	dispatcher *dispatch.Dispatcher
	now        func() time.Time

	mu       sync.Mutex
	tasks    *errgroup.Group
	draining []*errgroup.Group // groups swapped out by a Flush that has not seen them finish
	closed   bool

	fallback chan fallbackItem
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewCollector wires a collector. policy and local are required; a nil
// pipeline or dispatcher disables enrichment or delivery.
func NewCollector(cfg CollectorConfig, policy *exclusion.Policy, ids *identity.Provider,
	pipeline *enrich.Pipeline, local *store.Local, dispatcher *dispatch.Dispatcher) (*Collector, error) {
	if policy == nil || local == nil {
		return nil, errors.New("telemetry.NewCollector: policy and store are required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Second
	}
	if cfg.FallbackQueue <= 0 {
		cfg.FallbackQueue = DefaultFallbackQueue
	}
	if ids == nil {
		ids = identity.NewProvider()
	}
	if pipeline == nil {
		pipeline = enrich.NewPipeline(enrich.Features{}, nil)
	}
	if dispatcher == nil {
		dispatcher = dispatch.New(0)
	}
	c := &Collector{
		cfg:        cfg,
		policy:     policy,
		ids:        ids,
		pipeline:   pipeline,
		store:      local,
		dispatcher: dispatcher,
		now:        time.Now,
		fallback:   make(chan fallbackItem, cfg.FallbackQueue),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	c.tasks = c.newGroup()
	go c.fallbackLoop()
	return c, nil
}

func (c *Collector) newGroup() *errgroup.Group {
	g := &errgroup.Group{}
	g.SetLimit(c.cfg.MaxConcurrency)
	return g
}

// SetClock overrides the capture clock.
func (c *Collector) SetClock(now func() time.Time) {
	c.now = now
}

// TrackPageView records a view of path, or of client.Path when path is empty.
// It never panics and never reports an error.
func (c *Collector) TrackPageView(cl Client, path string) {
	defer c.recoverCapture(record.KindPageView)

	if path == "" {
		path = cl.Path
	}
	if path == "" {
		path = "/"
	}
	if c.suppressed(record.KindPageView, path, cl.Scope) {
		return
	}
	scope := cl.scope()
	rec := record.NewPageView(c.ids.SessionID(scope), path, cl.Referrer, c.now())
	c.capture(cl, scope, rec)
}

// TrackEvent records an interaction on client.Path. An "event_category"
// string parameter sets the category.
func (c *Collector) TrackEvent(cl Client, name string, params map[string]any) {
	defer c.recoverCapture(record.KindEvent)

	if name == "" {
		slog.Debug("ignoring event without a name", "path", cl.Path)
		return
	}
	path := cl.Path
	if path == "" {
		path = "/"
	}
	if c.suppressed(record.KindEvent, path, cl.Scope) {
		return
	}

	var category string
	if len(params) > 0 {
		p := make(map[string]any, len(params))
		for k, v := range params {
			p[k] = v
		}
		if s, ok := p["event_category"].(string); ok {
			category = s
			delete(p, "event_category")
		}
		params = p
	}

	scope := cl.scope()
	rec := record.NewEvent(c.ids.SessionID(scope), path, name, category, params, c.now())
	c.capture(cl, scope, rec)
}

func (c *Collector) suppressed(kind record.Kind, path string, scope identity.Scope) bool {
	if c.policy.ShouldSuppress(path, scope) {
		metrics.RecordsSuppressed.WithLabelValues(string(kind)).Inc()
		return true
	}
	return false
}

// capture attaches the synchronous enrichment, stores the record and queues
// geo enrichment plus delivery.
func (c *Collector) capture(cl Client, scope identity.Scope, rec record.Record) {
	c.pipeline.Device(&rec, cl.Env)
	if start, ok := c.ids.SessionStart(scope); ok {
		c.pipeline.SessionElapsed(&rec, start)
	}
	c.store.Append(rec)
	metrics.RecordsCaptured.WithLabelValues(string(rec.Kind)).Inc()

	task := rec.Clone()
	ip := cl.IP
	if !c.submit(func() { c.enrichAndDispatch(task, ip) }) {
		c.store.Update(rec.Kind, rec.ID, func(r *record.Record) {
			r.Enrichment = record.EnrichmentFallback
		})
		c.enqueueFallback(rec)
	}
}

// enqueueFallback queues rec for minimal first-party delivery. A full queue
// or a closed collector drops it.
func (c *Collector) enqueueFallback(rec record.Record) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.fallback <- fallbackItem{rec: rec.Clone()}:
	default:
		slog.Warn("fallback queue full, record not delivered", "record", rec.ID, "kind", rec.Kind)
	}
}

func (c *Collector) fallbackLoop() {
	defer close(c.stopped)
	for {
		select {
		case <-c.stop:
			return
		case it := <-c.fallback:
			if it.barrier != nil {
				close(it.barrier)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TaskTimeout)
			if err := c.dispatcher.DispatchFirstParty(ctx, it.rec); err != nil {
				slog.Debug("fallback record not delivered to every sink", "record", it.rec.ID, "error", err)
			}
			cancel()
		}
	}
}

// drainFallback waits until every fallback record queued so far is handled.
func (c *Collector) drainFallback(ctx context.Context) error {
	barrier := make(chan struct{})
	select {
	case c.fallback <- fallbackItem{barrier: barrier}:
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telemetry.Flush: %w", ctx.Err())
	}
	select {
	case <-barrier:
		return nil
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telemetry.Flush: %w", ctx.Err())
	}
}

// enrichAndDispatch resolves geo facts, patches the stored record and
// delivers the result to the sinks.
func (c *Collector) enrichAndDispatch(rec record.Record, ip string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TaskTimeout)
	defer cancel()

	c.pipeline.Geo(ctx, &rec, ip)
	geo, addr, status := rec.Geo, rec.IPAddress, rec.Enrichment
	c.store.Update(rec.Kind, rec.ID, func(r *record.Record) {
		r.Geo = geo
		r.IPAddress = addr
		r.Enrichment = status
	})

	if err := c.dispatcher.Dispatch(ctx, rec); err != nil {
		slog.Debug("record not delivered to every sink", "record", rec.ID, "error", err)
	}
}

// submit runs fn on the task pool. It reports false, without blocking, when
// the pool is saturated or the collector is closed.
func (c *Collector) submit(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		metrics.TasksDropped.Inc()
		return false
	}
	ok := c.tasks.TryGo(func() error {
		metrics.TasksInFlight.Inc()
		defer metrics.TasksInFlight.Dec()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("background task panicked", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
		return nil
	})
	if !ok {
		metrics.TasksDropped.Inc()
		slog.Warn("task pool saturated, dropping enrichment and delivery", "limit", c.cfg.MaxConcurrency)
	}
	return ok
}

// Flush waits for every task submitted before the call to finish, along with
// queued fallback deliveries, or for ctx to end. Captures made while Flush
// waits are not blocked.
func (c *Collector) Flush(ctx context.Context) error {
	c.mu.Lock()
	c.draining = append(c.draining, c.tasks)
	groups := append([]*errgroup.Group(nil), c.draining...)
	c.tasks = c.newGroup()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, g := range groups {
			g.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("telemetry.Flush: %w", ctx.Err())
	}

	c.mu.Lock()
	finished := make(map[*errgroup.Group]bool, len(groups))
	for _, g := range groups {
		finished[g] = true
	}
	kept := c.draining[:0]
	for _, g := range c.draining {
		if !finished[g] {
			kept = append(kept, g)
		}
	}
	c.draining = kept
	c.mu.Unlock()

	return c.drainFallback(ctx)
}

// Close stops background work after draining it and closes the sinks.
// Captures after Close are still stored locally but not delivered.
func (c *Collector) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	flushErr := c.Flush(ctx)
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.stopped
	return errors.Join(flushErr, c.dispatcher.Close())
}

func (c *Collector) recoverCapture(kind record.Kind) {
	if r := recover(); r != nil {
		metrics.CapturePanics.Inc()
		slog.Error("capture panicked", "kind", kind, "panic", r, "stack", string(debug.Stack()))
	}
}

// scope returns the client's session storage. Without one every capture is
// its own session.
func (cl Client) scope() identity.Scope {
	if cl.Scope == nil {
		return identity.NewMemoryScope()
	}
	return cl.Scope
}
