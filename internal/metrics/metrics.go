package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the engine's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	PhaseTotal       *prometheus.CounterVec
	PhaseDuration    *prometheus.HistogramVec
	JobTotal         *prometheus.CounterVec
	JobActive        prometheus.Gauge
	LeaseQueueLength prometheus.Gauge
	LeaseForced      prometheus.Counter
	ArtifactEntries  *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		PhaseTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auditpipe_phase_total",
			Help: "Phases that reached a terminal state, by phase and status.",
		}, []string{"phase", "status"}),
		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auditpipe_phase_duration_seconds",
			Help:    "Wall-clock duration of executed phases.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"phase"}),
		JobTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auditpipe_job_total",
			Help: "Job runner results by terminal status.",
		}, []string{"status"}),
		JobActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "auditpipe_job_active",
			Help: "Jobs currently executing inside the job runner.",
		}),
		LeaseQueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "auditpipe_lease_queue_length",
			Help: "Callers waiting for the browser lease.",
		}),
		LeaseForced: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditpipe_lease_forced_release_total",
			Help: "Leases reclaimed because their holder exceeded the timeout.",
		}),
		ArtifactEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auditpipe_artifact_entries_total",
			Help: "Audit log entries appended, by artifact type.",
		}, []string{"type"}),
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObservePhase(phase, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PhaseTotal.WithLabelValues(phase, status).Inc()
	if elapsed > 0 {
		m.PhaseDuration.WithLabelValues(phase).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) ObserveJob(status string) {
	if m == nil {
		return
	}
	m.JobTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobActive.Inc()
}

func (m *Metrics) JobFinished() {
	if m == nil {
		return
	}
	m.JobActive.Dec()
}

func (m *Metrics) SetLeaseQueue(n int) {
	if m == nil {
		return
	}
	m.LeaseQueueLength.Set(float64(n))
}

func (m *Metrics) LeaseForcedRelease() {
	if m == nil {
		return
	}
	m.LeaseForced.Inc()
}

func (m *Metrics) EntryAppended(artifactType string) {
	if m == nil {
		return
	}
	m.ArtifactEntries.WithLabelValues(artifactType).Inc()
}
