// Package dispatch fans records out to independent sinks. One sink failing,
// panicking or hanging never affects delivery to another.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sitepulse/sitepulse/pkg/metrics"
	"github.com/sitepulse/sitepulse/pkg/record"
)

// DefaultSinkTimeout bounds a single sink delivery.
const DefaultSinkTimeout = 3 * time.Second

// ErrDropped is wrapped by sinks that shed a record instead of queuing it.
var ErrDropped = errors.New("record dropped")

// Sink is a delivery destination for records.
type Sink interface {
	Name() string
	Send(ctx context.Context, rec record.Record) error
}

type target struct {
	sink       Sink
	firstParty bool
}

// Dispatcher delivers records to first-party and pixel sinks.
type Dispatcher struct {
	mu      sync.RWMutex
	targets []target
	timeout time.Duration
}

// New returns a dispatcher with no sinks.
func New(timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultSinkTimeout
	}
	return &Dispatcher{timeout: timeout}
}

// AddFirstParty registers a durable first-party sink. First-party sinks get
// the minimal form of records whose enrichment fell back.
func (d *Dispatcher) AddFirstParty(s Sink) {
	d.add(target{sink: s, firstParty: true})
}

// AddPixel registers a third-party pixel sink.
func (d *Dispatcher) AddPixel(s Sink) {
	d.add(target{sink: s})
}

func (d *Dispatcher) add(t target) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, t)
	slog.Info("sink registered", "component", "dispatch", "sink", t.sink.Name(), "first_party", t.firstParty)
}

// Sinks returns the names of registered sinks in registration order.
func (d *Dispatcher) Sinks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, len(d.targets))
	for i, t := range d.targets {
		names[i] = t.sink.Name()
	}
	return names
}

// Dispatch delivers rec to every sink concurrently and waits for all of them.
// Failures are logged and counted per sink and returned joined; they are not
// retried.
func (d *Dispatcher) Dispatch(ctx context.Context, rec record.Record) error {
	d.mu.RLock()
	targets := make([]target, len(d.targets))
	copy(targets, d.targets)
	d.mu.RUnlock()
	return d.deliverAll(ctx, targets, rec)
}

// DispatchFirstParty delivers the minimal form of rec to the first-party
// sinks only. It serves records that were never enriched.
func (d *Dispatcher) DispatchFirstParty(ctx context.Context, rec record.Record) error {
	d.mu.RLock()
	var targets []target
	for _, t := range d.targets {
		if t.firstParty {
			targets = append(targets, t)
		}
	}
	d.mu.RUnlock()
	return d.deliverAll(ctx, targets, rec.Minimal())
}

func (d *Dispatcher) deliverAll(ctx context.Context, targets []target, rec record.Record) error {
	if len(targets) == 0 {
		return nil
	}

	var minimal *record.Record
	if rec.Enrichment == record.EnrichmentFallback {
		m := rec.Minimal()
		minimal = &m
	}

	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		out := rec
		if t.firstParty && minimal != nil {
			out = *minimal
		}
		wg.Add(1)
		go func(i int, t target, out record.Record) {
			defer wg.Done()
			errs[i] = d.deliver(ctx, t.sink, out.Clone())
		}(i, t, out)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, rec record.Record) (err error) {
	name := s.Name()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink %s panicked: %v", name, r)
		}
		metrics.SinkDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if errors.Is(err, ErrDropped) {
			metrics.SinkDeliveries.WithLabelValues(name, "dropped").Inc()
			slog.Debug("sink shed record", "sink", name, "record", rec.ID, "error", err)
			return
		}
		if err != nil {
			metrics.SinkDeliveries.WithLabelValues(name, "error").Inc()
			slog.Warn("sink delivery failed", "sink", name, "record", rec.ID, "kind", rec.Kind, "error", err)
			return
		}
		metrics.SinkDeliveries.WithLabelValues(name, "ok").Inc()
	}()

	if err := s.Send(ctx, rec); err != nil {
		return fmt.Errorf("sink %s: %w", name, err)
	}
	return nil
}

// Close closes every sink that holds resources.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for _, t := range d.targets {
		if c, ok := t.sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", t.sink.Name(), err))
			}
		}
	}
	d.targets = nil
	return errors.Join(errs...)
}
