// Package metrics defines the orchestrator's Prometheus collectors. One
// Metrics value is created at process start and handed to the components
// that record into it; the /metrics endpoint serves the same registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles all orchestrator collectors.
type Metrics struct {
	// Registry backs the /metrics endpoint.
	Registry *prometheus.Registry

	// ConnectedRobots tracks the number of live robot channel handles.
	ConnectedRobots prometheus.Gauge

	// HeartbeatsTotal counts heartbeat frames processed.
	HeartbeatsTotal prometheus.Counter

	// JobsDispatchedTotal counts accepted job assignments.
	JobsDispatchedTotal prometheus.Counter

	// DispatchFailuresTotal counts failed assignment attempts by reason
	// (rejected, timeout, disconnected, store).
	DispatchFailuresTotal *prometheus.CounterVec

	// DispatchDuration observes the time from the start of an assignment
	// attempt to the robot's acceptance for one job. Rejected, timed-out and
	// failed attempts are not observed.
	DispatchDuration prometheus.Histogram

	// RelayDroppedTotal counts events dropped from slow subscriber queues,
	// labelled by topic kind (job, robot, logs).
	RelayDroppedTotal *prometheus.CounterVec

	// StoreRetriesTotal counts relay persistence retries after transient
	// store failures.
	StoreRetriesTotal prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ConnectedRobots: factory.NewGauge(prometheus.GaugeOpts{
			Name: "casare_connected_robots",
			Help: "Number of robots with a live channel connection.",
		}),
		HeartbeatsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "casare_heartbeats_total",
			Help: "Heartbeat frames processed.",
		}),
		JobsDispatchedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "casare_jobs_dispatched_total",
			Help: "Job assignments accepted by robots.",
		}),
		DispatchFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "casare_dispatch_failures_total",
			Help: "Failed job assignment attempts by reason.",
		}, []string{"reason"}),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "casare_dispatch_duration_seconds",
			Help:    "Time from assignment attempt to robot acceptance.",
			Buckets: prometheus.DefBuckets,
		}),
		RelayDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "casare_relay_dropped_total",
			Help: "Events dropped from slow subscriber queues by topic kind.",
		}, []string{"topic_kind"}),
		StoreRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "casare_store_retries_total",
			Help: "Relay persistence retries after transient store failures.",
		}),
	}
}
