package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	sagaOutcomes         *prometheus.CounterVec
	compensationFailures prometheus.Counter
	ledgerMutations      *prometheus.CounterVec
	ledgerCalls          *prometheus.CounterVec
	refundOutcomes       *prometheus.CounterVec
	cacheInvalidations   *prometheus.CounterVec
	purgedOperations     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sagaOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sale_saga_outcomes_total",
			Help: "Sale creation attempts by final saga state.",
		}, []string{"outcome"}),
		compensationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "stock_compensation_failures_total",
			Help: "Releases or restores that could not be confirmed and need reconciliation.",
		}),
		ledgerMutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_ledger_mutations_total",
			Help: "Ledger mutations by kind and result.",
		}, []string{"kind", "result"}),
		ledgerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_reservation_calls_total",
			Help: "Remote ledger calls made by the reservation client.",
		}, []string{"kind", "result"}),
		refundOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "refund_outcomes_total",
			Help: "Refund and cancellation attempts by result.",
		}, []string{"flow", "result"}),
		cacheInvalidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_invalidated_keys_total",
			Help: "Cached read views removed by prefix.",
		}, []string{"prefix"}),
		purgedOperations: f.NewCounter(prometheus.CounterOpts{
			Name: "stock_operations_purged_total",
			Help: "Idempotency records dropped after the retention window.",
		}),
	}
}

func (m *Metrics) SagaOutcome(outcome string) {
	if m != nil {
		m.sagaOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) CompensationFailed() {
	if m != nil {
		m.compensationFailures.Inc()
	}
}

func (m *Metrics) LedgerMutation(kind, result string) {
	if m != nil {
		m.ledgerMutations.WithLabelValues(kind, result).Inc()
	}
}

func (m *Metrics) LedgerCall(kind, result string) {
	if m != nil {
		m.ledgerCalls.WithLabelValues(kind, result).Inc()
	}
}

func (m *Metrics) RefundOutcome(flow, result string) {
	if m != nil {
		m.refundOutcomes.WithLabelValues(flow, result).Inc()
	}
}

func (m *Metrics) CacheInvalidated(prefix string, n int64) {
	if m != nil {
		m.cacheInvalidations.WithLabelValues(prefix).Add(float64(n))
	}
}

func (m *Metrics) OperationsPurged(n int64) {
	if m != nil {
		m.purgedOperations.Add(float64(n))
	}
}
