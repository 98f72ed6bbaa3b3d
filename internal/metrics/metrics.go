// Package metrics holds the Prometheus collectors for the device-side sync
// core. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cycle outcomes.
const (
	CycleOK      = "ok"
	CyclePartial = "partial"
	CycleAborted = "aborted"
	CycleEmpty   = "empty"
	CycleSkipped = "skipped"
	CycleFailed  = "failed"
)

// Metrics provides observability for the outbox, sync engine, cache and
// reachability monitor.
type Metrics struct {
	OutboxEnqueued       *prometheus.CounterVec
	OutboxEnqueueErrors  prometheus.Counter
	OutboxPending        prometheus.Gauge
	SyncCycles           *prometheus.CounterVec
	SyncEntries          *prometheus.CounterVec
	SyncCycleDuration    prometheus.Histogram
	GatewayRequests      *prometheus.CounterVec
	CacheWrites          prometheus.Counter
	CacheStaleRejections prometheus.Counter
	Online               prometheus.Gauge
	Transitions          prometheus.Counter
}

// New creates a Metrics instance registered on reg. Tests pass a fresh
// prometheus.NewRegistry(); the binaries pass prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OutboxEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_outbox_enqueued_total",
			Help: "Total number of mutations enqueued in the outbox",
		}, []string{"op"}),
		OutboxEnqueueErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_outbox_enqueue_errors_total",
			Help: "Total number of enqueue attempts that failed to persist",
		}),
		OutboxPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_outbox_pending",
			Help: "Number of outbox entries awaiting delivery",
		}),
		SyncCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_sync_cycles_total",
			Help: "Total number of drain cycles by outcome",
		}, []string{"outcome"}),
		SyncEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_sync_entries_total",
			Help: "Total number of outbox entries processed by result and error class",
		}, []string{"result", "class"}),
		SyncCycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fieldsync_sync_cycle_duration_seconds",
			Help:    "Duration of drain cycles",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		GatewayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_gateway_requests_total",
			Help: "Total number of remote API calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		CacheWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_cache_snapshot_writes_total",
			Help: "Total number of snapshot writes",
		}),
		CacheStaleRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_cache_stale_rejections_total",
			Help: "Snapshot replacements refused because a newer version was written first",
		}),
		Online: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_online",
			Help: "1 when the device is connected and the API is reachable",
		}),
		Transitions: factory.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_reachability_transitions_total",
			Help: "Total number of reachability state changes",
		}),
	}
}

// IncEnqueued records a persisted outbox entry.
func (m *Metrics) IncEnqueued(op string) {
	if m == nil {
		return
	}
	m.OutboxEnqueued.WithLabelValues(op).Inc()
}

// IncEnqueueError records an enqueue that was swallowed.
func (m *Metrics) IncEnqueueError() {
	if m == nil {
		return
	}
	m.OutboxEnqueueErrors.Inc()
}

// SetPending publishes the outbox depth.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// ObserveCycle records a finished drain cycle.
// Call with time.Now() at the start of the cycle.
func (m *Metrics) ObserveCycle(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.SyncCycles.WithLabelValues(outcome).Inc()
	if outcome != CycleSkipped {
		m.SyncCycleDuration.Observe(time.Since(start).Seconds())
	}
}

// IncEntry records one processed outbox entry. class is empty on success.
func (m *Metrics) IncEntry(success bool, class string) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.SyncEntries.WithLabelValues(result, class).Inc()
}

// IncGateway records a remote API call.
func (m *Metrics) IncGateway(operation, outcome string) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(operation, outcome).Inc()
}

// IncCacheWrite records a snapshot write.
func (m *Metrics) IncCacheWrite() {
	if m == nil {
		return
	}
	m.CacheWrites.Inc()
}

// IncStaleRejection records a refused stale snapshot write.
func (m *Metrics) IncStaleRejection() {
	if m == nil {
		return
	}
	m.CacheStaleRejections.Inc()
}

// SetOnline publishes the reachability state.
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.Online.Set(1)
	} else {
		m.Online.Set(0)
	}
	m.Transitions.Inc()
}
