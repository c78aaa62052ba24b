// Package metrics holds the authority's Prometheus collectors on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	registry    *prometheus.Registry
	issuance    *prometheus.CounterVec
	redemption  *prometheus.CounterVec
	reconcile   *prometheus.CounterVec
	conflicts   prometheus.Counter
	purged      prometheus.Counter
	bloomCount  prometheus.Gauge
	bloomBytes  prometheus.Gauge
	rpcDuration *prometheus.HistogramVec
}

// New registers all collectors under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "blindticket"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		issuance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issuance_total",
			Help:      "Blind signing requests by outcome.",
		}, []string{"outcome"}),
		redemption: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemption_total",
			Help:      "Online redemptions by result and reject reason.",
		}, []string{"result", "reason"}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_records_total",
			Help:      "Offline acceptances reconciled, by status.",
		}, []string{"status"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_recorded_total",
			Help:      "Double redemptions written to the conflict audit trail.",
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_purged_total",
			Help:      "Spent records removed by retention.",
		}),
		bloomCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bloom_snapshot_entries",
			Help:      "Ledger keys in the latest Bloom snapshot.",
		}),
		bloomBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bloom_snapshot_bytes",
			Help:      "Encoded size of the latest Bloom snapshot.",
		}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "Unary RPC latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "code"}),
	}
	m.registry.MustRegister(m.issuance, m.redemption, m.reconcile, m.conflicts, m.purged,
		m.bloomCount, m.bloomBytes, m.rpcDuration)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Issuance(outcome string) {
	if m == nil {
		return
	}
	m.issuance.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Redemption(accepted bool, reason string) {
	if m == nil {
		return
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.redemption.WithLabelValues(result, reason).Inc()
}

func (m *Metrics) Reconciled(status string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(status).Inc()
}

func (m *Metrics) ConflictRecorded() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) Purged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}

// BloomSnapshot records the size of the latest published snapshot.
func (m *Metrics) BloomSnapshot(entries uint64, bytes int) {
	if m == nil {
		return
	}
	m.bloomCount.Set(float64(entries))
	m.bloomBytes.Set(float64(bytes))
}

// ObserveRPC records a unary call's latency.
func (m *Metrics) ObserveRPC(method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.rpcDuration.WithLabelValues(method, code).Observe(d.Seconds())
}
