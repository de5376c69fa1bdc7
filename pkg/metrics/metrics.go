package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Capture metrics
	RecordsCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitepulse_records_captured_total",
		Help: "Telemetry records accepted by the capture API",
	}, []string{"kind"})
	RecordsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitepulse_records_suppressed_total",
		Help: "Telemetry records suppressed by the exclusion policy",
	}, []string{"kind"})
	CapturePanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitepulse_capture_panics_total",
		Help: "Panics recovered at the capture boundary",
	})
	BeaconsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitepulse_beacons_rate_limited_total",
		Help: "Collect requests dropped by the per-client rate limit",
	})

	// Background task metrics
	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sitepulse_tasks_in_flight",
		Help: "Enrichment and dispatch tasks currently running",
	})
	TasksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitepulse_tasks_dropped_total",
		Help: "Background tasks dropped because the task pool was saturated",
	})

	// Enrichment metrics
	GeoLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitepulse_geo_lookups_total",
		Help: "Geo enrichment outcomes",
	}, []string{"result"}) // hit, miss, error, skipped
	IPResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitepulse_ip_resolutions_total",
		Help: "Public IP echo service attempts",
	}, []string{"service", "status"})
	EnrichDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sitepulse_geo_enrich_duration_seconds",
		Help:    "Time spent resolving geo facts for one record",
		Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2, 5},
	})

	// Sink metrics
	SinkDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitepulse_sink_deliveries_total",
		Help: "Sink delivery attempts by outcome",
	}, []string{"sink", "status"})
	SinkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sitepulse_sink_duration_seconds",
		Help:    "Sink delivery latency",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"sink"})

	// Local store metrics
	StoreRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sitepulse_store_records",
		Help: "Records held in each bounded log",
	}, []string{"log"})
	StoreEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitepulse_store_evictions_total",
		Help: "Records evicted from bounded logs",
	}, []string{"log"})
	StorePersistErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitepulse_store_persist_errors_total",
		Help: "Bounded log writes that could not be persisted",
	}, []string{"log"})
)

func init() {
	// Pre-initialize Vec metrics so they appear in /metrics output before first use.
	RecordsCaptured.WithLabelValues("pageview")
	RecordsCaptured.WithLabelValues("event")
	RecordsSuppressed.WithLabelValues("pageview")
	RecordsSuppressed.WithLabelValues("event")
	GeoLookups.WithLabelValues("hit")
	GeoLookups.WithLabelValues("miss")
	GeoLookups.WithLabelValues("error")
	StoreRecords.WithLabelValues("pageviews")
	StoreRecords.WithLabelValues("events")
}

// HealthCheck holds a single health check function.
type HealthCheck struct {
	Name  string
	Check func() error
}

// HealthStatus represents the health response.
type HealthStatus struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks"`
}

// healthChecker holds registered health checks.
type healthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

var defaultHealthChecker = &healthChecker{}

// RegisterHealthCheck adds a health check.
func RegisterHealthCheck(name string, check func() error) {
	defaultHealthChecker.mu.Lock()
	defer defaultHealthChecker.mu.Unlock()
	defaultHealthChecker.checks = append(defaultHealthChecker.checks, HealthCheck{
		Name:  name,
		Check: check,
	})
}

// runChecks runs all registered health checks.
func runChecks() HealthStatus {
	defaultHealthChecker.mu.RLock()
	checks := make([]HealthCheck, len(defaultHealthChecker.checks))
	copy(checks, defaultHealthChecker.checks)
	defaultHealthChecker.mu.RUnlock()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]string),
	}

	for _, hc := range checks {
		if err := hc.Check(); err != nil {
			status.Status = "degraded"
			status.Checks[hc.Name] = err.Error()
		} else {
			status.Checks[hc.Name] = "ok"
		}
	}
	return status
}

// HealthzHandler handles GET /healthz requests.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	status := runChecks()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// MetricsServer starts an HTTP server for /metrics and /healthz on the given addr.
// It blocks until the provided stop channel is closed, then shuts down gracefully.
func MetricsServer(addr string, stop <-chan struct{}) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", HealthzHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-stop:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	case err := <-errCh:
		return err
	}
}
