package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Calls served by the secondary backend because the primary was unavailable
	StorageFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abengine_storage_fallback_total",
		Help: "Storage calls that fell back to the secondary backend",
	}, []string{"backend", "op"})

	// Accepted events by type and variant
	EventsLogged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abengine_events_logged_total",
		Help: "Total number of events accepted by the event store",
	}, []string{"type", "variant"})

	// Spooled records discarded because the spool was full
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "abengine_events_dropped_total",
		Help: "Records dropped from the degraded-mode spool on overflow",
	})

	// Records waiting in the spool for the primary backend
	SpoolPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "abengine_spool_pending",
		Help: "Records waiting in the degraded-mode spool",
	})

	// New assignments by variant
	Assignments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abengine_assignments_total",
		Help: "Total number of new variant assignments",
	}, []string{"variant"})

	AuditMirrorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abengine_audit_mirror_errors_total",
		Help: "Audit records a mirror failed to deliver",
	}, []string{"mirror"})

	// Audit records the always-on local log failed to store
	AuditErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abengine_audit_errors_total",
		Help: "Audit records a sink failed to store",
	}, []string{"sink"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "abengine_http_request_duration_seconds",
		Help:    "Latency of HTTP handlers",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

var initOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			StorageFallbacks,
			EventsLogged,
			EventsDropped,
			SpoolPending,
			Assignments,
			AuditMirrorErrors,
			AuditErrors,
			HTTPRequestDuration,
		)
	})
}
