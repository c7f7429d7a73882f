package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/disk"
)

// Metrics holds Prometheus collectors for the transcode service.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry               *prometheus.Registry
	requestsTotal          prometheus.Counter
	errorsTotal            prometheus.Counter
	conversionsTotal       *prometheus.CounterVec
	renditionsTotal        *prometheus.CounterVec
	encodeDuration         prometheus.Histogram
	activeEncodes          prometheus.Gauge
	runningJobs            prometheus.Gauge
	artifactsTracked       prometheus.Gauge
	artifactsDeletedTotal  *prometheus.CounterVec
	artifactDeleteFailures prometheus.Counter
	diskFreeBytes          prometheus.Gauge
}

// New creates and registers Prometheus metrics for the service.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		conversionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_conversions_total",
			Help: "Conversion jobs that reached a terminal state, by state",
		}, []string{"state"}),
		renditionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_renditions_total",
			Help: "Encode jobs that finished, by status",
		}, []string{"status"}),
		encodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hls_encode_duration_seconds",
			Help:    "Wall-clock time of a single rendition encode",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		activeEncodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_active_encodes",
			Help: "Encode jobs currently holding a pool slot",
		}),
		runningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_running_jobs",
			Help: "Conversion jobs not yet in a terminal state",
		}),
		artifactsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_artifacts_tracked",
			Help: "Artifact records held by the lifecycle manager",
		}),
		artifactsDeletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_artifacts_deleted_total",
			Help: "Artifacts deleted, by kind",
		}, []string{"kind"}),
		artifactDeleteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_artifact_delete_failures_total",
			Help: "Artifact deletions that failed and will be retried",
		}),
		diskFreeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_outputs_disk_free_bytes",
			Help: "Free bytes on the filesystem holding generated outputs",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.conversionsTotal,
		m.renditionsTotal,
		m.encodeDuration,
		m.activeEncodes,
		m.runningJobs,
		m.artifactsTracked,
		m.artifactsDeletedTotal,
		m.artifactDeleteFailures,
		m.diskFreeBytes,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncConversions counts a conversion job that reached state.
func (m *Metrics) IncConversions(state string) {
	if m == nil {
		return
	}
	m.conversionsTotal.WithLabelValues(state).Inc()
}

// ObserveRendition records one finished encode.
func (m *Metrics) ObserveRendition(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.renditionsTotal.WithLabelValues(status).Inc()
	m.encodeDuration.Observe(took.Seconds())
}

// AddActiveEncodes moves the active encodes gauge by delta.
func (m *Metrics) AddActiveEncodes(delta int) {
	if m == nil {
		return
	}
	m.activeEncodes.Add(float64(delta))
}

// SetRunningJobs sets the running jobs gauge (e.g. from Repository.RunningJobCount).
func (m *Metrics) SetRunningJobs(n int) {
	if m == nil {
		return
	}
	m.runningJobs.Set(float64(n))
}

// SetArtifactsTracked sets the tracked artifacts gauge.
func (m *Metrics) SetArtifactsTracked(n int) {
	if m == nil {
		return
	}
	m.artifactsTracked.Set(float64(n))
}

// IncArtifactsDeleted counts one deleted artifact of the given kind.
func (m *Metrics) IncArtifactsDeleted(kind string) {
	if m == nil {
		return
	}
	m.artifactsDeletedTotal.WithLabelValues(kind).Inc()
}

// IncArtifactDeleteFailures counts a failed deletion.
func (m *Metrics) IncArtifactDeleteFailures() {
	if m == nil {
		return
	}
	m.artifactDeleteFailures.Inc()
}

// RefreshDiskFree samples free space of the filesystem containing path.
func (m *Metrics) RefreshDiskFree(path string) error {
	if m == nil {
		return nil
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return err
	}
	m.diskFreeBytes.Set(float64(usage.Free))
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. disk free).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
