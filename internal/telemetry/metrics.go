// Package telemetry provides logging, metrics and tracing for sessiond.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sessiond"

// Metrics holds the Prometheus collectors for sessiond on a private
// registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessionsCreated  prometheus.Counter
	sessionsReplaced prometheus.Counter
	sessionsExpired  prometheus.Counter
	sessionsRemoved  prometheus.Counter

	sweepRuns     prometheus.Counter
	sweepDuration prometheus.Histogram

	cleanupFailures  *prometheus.CounterVec
	cleanupDuration  *prometheus.HistogramVec
	handlesDiscarded prometheus.Counter
}

// NewMetrics registers every collector. active reports the current number
// of sessions and may be nil.
func NewMetrics(active func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_created_total",
			Help: "Sessions created for users without one.",
		}),
		sessionsReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_replaced_total",
			Help: "Expired sessions replaced on the next request.",
		}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_expired_total",
			Help: "Sessions removed by the sweep.",
		}),
		sessionsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_removed_total",
			Help: "Sessions removed by explicit delete.",
		}),
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_runs_total",
			Help: "Completed sweep ticks.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sweep_duration_seconds",
			Help:    "Wall time of a sweep tick including cleanup.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		cleanupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cleanup_failures_total",
			Help: "Failed or timed out collaborator calls during cleanup.",
		}, []string{"collaborator"}),
		cleanupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cleanup_duration_seconds",
			Help:    "Duration of each collaborator call during cleanup.",
			Buckets: prometheus.DefBuckets,
		}, []string{"collaborator"}),
		handlesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handles_discarded_total",
			Help: "Retired conversation handles discarded by the sweep.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsCreated, m.sessionsReplaced, m.sessionsExpired, m.sessionsRemoved,
		m.sweepRuns, m.sweepDuration,
		m.cleanupFailures, m.cleanupDuration, m.handlesDiscarded,
	)
	if active != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Sessions currently held in memory.",
		}, active))
	}
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionCreated implements session.Observer.
func (m *Metrics) SessionCreated() {
	if m != nil {
		m.sessionsCreated.Inc()
	}
}

// SessionReplaced implements session.Observer.
func (m *Metrics) SessionReplaced() {
	if m != nil {
		m.sessionsReplaced.Inc()
	}
}

// SessionsExpired implements session.Observer.
func (m *Metrics) SessionsExpired(n int) {
	if m != nil {
		m.sessionsExpired.Add(float64(n))
	}
}

// SessionRemoved implements session.Observer.
func (m *Metrics) SessionRemoved() {
	if m != nil {
		m.sessionsRemoved.Inc()
	}
}

// RecordSweep records one finished sweep tick.
func (m *Metrics) RecordSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
	m.sweepDuration.Observe(d.Seconds())
}

// RecordCleanup records one collaborator call made during cleanup.
func (m *Metrics) RecordCleanup(collaborator string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.cleanupDuration.WithLabelValues(collaborator).Observe(d.Seconds())
	if failed {
		m.cleanupFailures.WithLabelValues(collaborator).Inc()
	}
}

// HandlesDiscarded counts retired handles the sweep discarded.
func (m *Metrics) HandlesDiscarded(n int) {
	if m != nil {
		m.handlesDiscarded.Add(float64(n))
	}
}
