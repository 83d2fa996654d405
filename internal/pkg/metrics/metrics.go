// Package metrics provides Prometheus collectors for the coordination layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricGatewayCallsTotal        = "coordinator_gateway_calls_total"
	MetricGatewayCallDuration      = "coordinator_gateway_call_duration_seconds"
	MetricGatewayRetriesTotal      = "coordinator_gateway_retries_total"
	MetricTransactionsTotal        = "coordinator_transactions_total"
	MetricCompensationFailures     = "coordinator_compensation_failures_total"
	MetricIdempotencyOutcomesTotal = "coordinator_idempotency_outcomes_total"
	MetricReconcileConflictsTotal  = "coordinator_reconcile_conflicts_total"
)

// Call outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatewayCalls     *prometheus.CounterVec
	gatewayDuration  *prometheus.HistogramVec
	gatewayRetries   *prometheus.CounterVec
	transactions     *prometheus.CounterVec
	compensationFail prometheus.Counter
	idempotency      *prometheus.CounterVec
	conflicts        prometheus.Counter
}

// New creates the collectors. Call Register to expose them.
func New() *Metrics {
	return &Metrics{
		gatewayCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricGatewayCallsTotal,
				Help: "Gateway calls by target service, method and outcome",
			},
			[]string{"service", "method", "outcome"},
		),
		gatewayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricGatewayCallDuration,
				Help:    "Gateway call duration including retries, by target service",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"service"},
		),
		gatewayRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricGatewayRetriesTotal,
				Help: "Retried gateway attempts by target service",
			},
			[]string{"service"},
		),
		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTransactionsTotal,
				Help: "Transactions reaching a final or expired status",
			},
			[]string{"status"},
		),
		compensationFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricCompensationFailures,
			Help: "Compensating actions that failed and need manual review",
		}),
		idempotency: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricIdempotencyOutcomesTotal,
				Help: "Idempotency cache outcomes",
			},
			[]string{"outcome"},
		),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricReconcileConflictsTotal,
			Help: "State divergences reported by the reconciler",
		}),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors, for registration and tests.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.gatewayCalls,
		m.gatewayDuration,
		m.gatewayRetries,
		m.transactions,
		m.compensationFail,
		m.idempotency,
		m.conflicts,
	}
}

func (m *Metrics) ObserveCall(service, method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(service, method, outcome).Inc()
	m.gatewayDuration.WithLabelValues(service).Observe(d.Seconds())
}

func (m *Metrics) IncRetry(service string) {
	if m == nil {
		return
	}
	m.gatewayRetries.WithLabelValues(service).Inc()
}

func (m *Metrics) IncTransaction(status string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(status).Inc()
}

func (m *Metrics) IncCompensationFailure() {
	if m == nil {
		return
	}
	m.compensationFail.Inc()
}

func (m *Metrics) IncIdempotency(outcome string) {
	if m == nil {
		return
	}
	m.idempotency.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}
