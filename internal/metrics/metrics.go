// Package metrics provides Prometheus metrics for the mosaic pipeline.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds all Prometheus metrics for one process.
type Metrics struct {
	registry *prometheus.Registry

	// Slice metrics
	SlicesProcessed *prometheus.CounterVec
	SlicesSkipped   *prometheus.CounterVec
	SlicesFailed    *prometheus.CounterVec

	// Fragment metrics
	FragmentsFetched  *prometheus.CounterVec
	FragmentsFailed   *prometheus.CounterVec
	FragmentsReplayed *prometheus.CounterVec
	FragmentBytes     *prometheus.HistogramVec

	// Timing metrics
	FetchDuration   prometheus.Histogram
	ComposeDuration *prometheus.HistogramVec
	SaveDuration    *prometheus.HistogramVec

	// Pipeline metrics
	FetchesInFlight prometheus.Gauge
	PendingSaves    prometheus.Gauge

	// Error metrics
	StorageErrors *prometheus.CounterVec
	LedgerErrors  prometheus.Counter
	RetryAttempts *prometheus.CounterVec

	MosaicBytes *prometheus.CounterVec
}

var defaultMetrics *Metrics

// Init initializes the metrics package with a fresh registry.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "earth_mosaic"
	}

	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		SlicesProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slices_processed_total",
				Help:      "Total number of time slices composited",
			},
			[]string{"zoom"},
		),
		SlicesSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slices_skipped_total",
				Help:      "Total number of time slices skipped (already complete)",
			},
			[]string{"zoom"},
		),
		SlicesFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slices_failed_total",
				Help:      "Total number of time slices whose job returned an error",
			},
			[]string{"zoom"},
		),
		FragmentsFetched: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fragments_fetched_total",
				Help:      "Total number of fragments downloaded",
			},
			[]string{"zoom"},
		),
		FragmentsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fragments_failed_total",
				Help:      "Total number of fragments that failed after retries",
			},
			[]string{"zoom"},
		),
		FragmentsReplayed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fragments_replayed_total",
				Help:      "Total number of fragments served from the fragment cache",
			},
			[]string{"zoom"},
		),
		FragmentBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fragment_bytes",
				Help:      "Size of downloaded fragments in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~2MB
			},
			[]string{"zoom"},
		),
		FetchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Time for one HTTP attempt",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
		),
		ComposeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compose_duration_seconds",
				Help:      "Time to composite a slice (fetch + decode + paste)",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			[]string{"zoom"},
		),
		SaveDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "save_duration_seconds",
				Help:      "Time to encode and write a mosaic",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"zoom", "format"},
		),
		FetchesInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "fetches_in_flight",
				Help:      "Number of HTTP attempts currently admitted",
			},
		),
		PendingSaves: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_saves",
				Help:      "Number of mosaics waiting to be encoded or written",
			},
		),
		StorageErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of storage errors",
			},
			[]string{"operation"},
		),
		LedgerErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_errors_total",
				Help:      "Total number of ledger read/write errors",
			},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
		MosaicBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mosaic_bytes_written_total",
				Help:      "Total encoded mosaic bytes written",
			},
			[]string{"format"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves /metrics and /health.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func (m *Metrics) StartServer(address string) error {
	return http.ListenAndServe(address, m.Handler())
}

// Push sends the current values to a Pushgateway.
func (m *Metrics) Push(gateway, job string) error {
	if job == "" {
		job = "earth_mosaic"
	}
	if err := push.New(gateway, job).Gatherer(m.registry).Push(); err != nil {
		return fmt.Errorf("push metrics to %s: %w", gateway, err)
	}
	return nil
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Zoom      string
	Format    string
	Operation string
}

// IncSlicesProcessed increments the slices processed counter.
func (m *Metrics) IncSlicesProcessed(l Labels) {
	m.SlicesProcessed.WithLabelValues(l.Zoom).Inc()
}

// IncSlicesSkipped increments the slices skipped counter.
func (m *Metrics) IncSlicesSkipped(l Labels) {
	m.SlicesSkipped.WithLabelValues(l.Zoom).Inc()
}

// IncSlicesFailed increments the slices failed counter.
func (m *Metrics) IncSlicesFailed(l Labels) {
	m.SlicesFailed.WithLabelValues(l.Zoom).Inc()
}

// ObserveFragment records one downloaded fragment.
func (m *Metrics) ObserveFragment(l Labels, bytes int) {
	m.FragmentsFetched.WithLabelValues(l.Zoom).Inc()
	m.FragmentBytes.WithLabelValues(l.Zoom).Observe(float64(bytes))
}

func (m *Metrics) IncFragmentsFailed(l Labels) {
	m.FragmentsFailed.WithLabelValues(l.Zoom).Inc()
}

func (m *Metrics) IncFragmentsReplayed(l Labels) {
	m.FragmentsReplayed.WithLabelValues(l.Zoom).Inc()
}

// ObserveFetchDuration records the duration of one HTTP attempt.
func (m *Metrics) ObserveFetchDuration(seconds float64) {
	m.FetchDuration.Observe(seconds)
}

// ObserveComposeDuration records the time spent compositing a slice.
func (m *Metrics) ObserveComposeDuration(l Labels, seconds float64) {
	m.ComposeDuration.WithLabelValues(l.Zoom).Observe(seconds)
}

// ObserveSave records a completed mosaic save.
func (m *Metrics) ObserveSave(l Labels, seconds float64, bytes int) {
	m.SaveDuration.WithLabelValues(l.Zoom, l.Format).Observe(seconds)
	m.MosaicBytes.WithLabelValues(l.Format).Add(float64(bytes))
}

// AddFetchesInFlight adjusts the in-flight gauge.
func (m *Metrics) AddFetchesInFlight(delta float64) {
	m.FetchesInFlight.Add(delta)
}

// SetPendingSaves sets the number of pending saves.
func (m *Metrics) SetPendingSaves(n float64) {
	m.PendingSaves.Set(n)
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(l Labels) {
	m.StorageErrors.WithLabelValues(l.Operation).Inc()
}

// IncLedgerErrors increments the ledger errors counter.
func (m *Metrics) IncLedgerErrors() {
	m.LedgerErrors.Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Operation).Inc()
}
