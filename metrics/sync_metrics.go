// Package metrics exposes the snapsync engine's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every collector registered by this package.
const Namespace = "snapsync"

// Label values for request outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeRequeued  = "requeued"
	OutcomeAbandoned = "abandoned"
	OutcomeStale     = "stale"
	OutcomeResolved  = "resolved"
	OutcomeFailed    = "failed"
)

// SyncMetrics groups the collectors updated by the sync pipeline. A nil
// *SyncMetrics is valid and records nothing.
type SyncMetrics struct {
	InFlight       prometheus.Gauge
	Queued         prometheus.Gauge
	Requests       *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	VerifyFailures *prometheus.CounterVec
	Staged         *prometheus.CounterVec
	Flushes        prometheus.Counter
	FlushDuration  prometheus.Histogram
	Coverage       prometheus.Gauge
	HealTasks      *prometheus.CounterVec
	Restarts       prometheus.Counter
	Phase          prometheus.Gauge
}

// NewSyncMetrics creates the collectors and registers them on reg.
func NewSyncMetrics(reg prometheus.Registerer) (*SyncMetrics, error) {
	m := &SyncMetrics{
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "requests_inflight",
			Help: "Range requests currently awaiting a peer response.",
		}),
		Queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "requests_queued",
			Help: "Range requests waiting for dispatch.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Name: "requests_total",
			Help: "Range requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace, Name: "request_duration_seconds",
			Help:    "Round-trip time of range requests.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"kind"}),
		VerifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Name: "verify_failures_total",
			Help: "Rejected responses by reason.",
		}, []string{"reason"}),
		Staged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Name: "staged_items_total",
			Help: "Items written to the staging tables.",
		}, []string{"table"}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Name: "flushes_total",
			Help: "Staging batches committed to durable storage.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace, Name: "flush_duration_seconds",
			Help:    "Duration of staging flushes.",
			Buckets: prometheus.DefBuckets,
		}),
		Coverage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "account_coverage_ratio",
			Help: "Fraction of the account key space verified under the active root.",
		}),
		HealTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Name: "heal_tasks_total",
			Help: "Healing tasks by kind and outcome.",
		}, []string{"kind", "outcome"}),
		Restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Name: "attempt_restarts_total",
			Help: "Sync attempts restarted under a new state root.",
		}),
		Phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "phase",
			Help: "Current pipeline phase (1 downloading, 2 healing, 3 done).",
		}),
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewUnregistered returns collectors that are not attached to any registry.
func NewUnregistered() *SyncMetrics {
	m, _ := NewSyncMetrics(prometheus.NewRegistry())
	return m
}

func (m *SyncMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.InFlight, m.Queued, m.Requests, m.RequestLatency, m.VerifyFailures,
		m.Staged, m.Flushes, m.FlushDuration, m.Coverage, m.HealTasks,
		m.Restarts, m.Phase,
	}
}

// ObserveRequest records the outcome of a single range request.
func (m *SyncMetrics) ObserveRequest(kind, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(kind, outcome).Inc()
	if seconds > 0 {
		m.RequestLatency.WithLabelValues(kind).Observe(seconds)
	}
}

// SetQueue updates the queue depth gauges.
func (m *SyncMetrics) SetQueue(inflight, queued int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(inflight))
	m.Queued.Set(float64(queued))
}

// VerifyFailed counts a rejected response.
func (m *SyncMetrics) VerifyFailed(reason string) {
	if m == nil {
		return
	}
	m.VerifyFailures.WithLabelValues(reason).Inc()
}

// StagedItems adds n to the staged counter of table.
func (m *SyncMetrics) StagedItems(table string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Staged.WithLabelValues(table).Add(float64(n))
}

// Flushed records a completed flush.
func (m *SyncMetrics) Flushed(seconds float64) {
	if m == nil {
		return
	}
	m.Flushes.Inc()
	m.FlushDuration.Observe(seconds)
}

// SetCoverage records the covered fraction of the account key space.
func (m *SyncMetrics) SetCoverage(ratio float64) {
	if m == nil {
		return
	}
	m.Coverage.Set(ratio)
}

// HealTask counts a healing task outcome.
func (m *SyncMetrics) HealTask(kind, outcome string) {
	if m == nil {
		return
	}
	m.HealTasks.WithLabelValues(kind, outcome).Inc()
}

// Restarted counts an attempt restart.
func (m *SyncMetrics) Restarted() {
	if m == nil {
		return
	}
	m.Restarts.Inc()
}

// SetPhase records the current pipeline phase.
func (m *SyncMetrics) SetPhase(phase int) {
	if m == nil {
		return
	}
	m.Phase.Set(float64(phase))
}
