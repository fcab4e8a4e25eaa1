// Package metrics exposes Prometheus instruments for ledger operations.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeCommitted = "committed"
	OutcomeAborted   = "aborted"
)

// Metrics groups the instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	nonce      prometheus.Gauge
	drift      *prometheus.GaugeVec
}

// New registers the ledger instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "operations_total",
			Help:      "Mutating ledger operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		nonce: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledger",
			Name:      "nonce",
			Help:      "Current execution nonce.",
		}),
		drift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ledger",
			Name:      "reconcile_drift",
			Help:      "Custody holding minus recorded ledger total, per asset.",
		}, []string{"asset"}),
	}
	reg.MustRegister(m.operations, m.nonce, m.drift)
	return m
}

// ObserveOperation counts one operation outcome.
func (m *Metrics) ObserveOperation(op, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// SetNonce records the nonce after a commit.
func (m *Metrics) SetNonce(n uint64) {
	if m == nil {
		return
	}
	m.nonce.Set(float64(n))
}

// SetDrift records the reconciliation difference for asset.
func (m *Metrics) SetDrift(asset string, drift int64) {
	if m == nil {
		return
	}
	m.drift.WithLabelValues(asset).Set(float64(drift))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
