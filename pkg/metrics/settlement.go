package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome labels shared by settlement counters.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
)

// SettlementMetrics counts money movements and repair actions.
type SettlementMetrics struct {
	transfers   *prometheus.CounterVec
	escalations prometheus.Counter
	refunds     *prometheus.CounterVec
	webhooks    *prometheus.CounterVec
	reconciled  *prometheus.CounterVec
}

// NewSettlementMetrics registers the settlement counters on reg. A nil
// registerer yields a no-op recorder.
func NewSettlementMetrics(reg prometheus.Registerer) *SettlementMetrics {
	if reg == nil {
		return &SettlementMetrics{}
	}
	m := &SettlementMetrics{
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_transfers_total",
			Help: "Seller payout transfer attempts by outcome.",
		}, []string{"outcome"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_transfer_escalations_total",
			Help: "Transfers that exhausted automatic retries.",
		}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_refunds_total",
			Help: "Item refunds by outcome.",
		}, []string{"outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_webhook_events_total",
			Help: "Inbound gateway notifications by type and outcome.",
		}, []string{"type", "outcome"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_reconcile_actions_total",
			Help: "Reconciliation repairs by action.",
		}, []string{"action"}),
	}
	reg.MustRegister(m.transfers, m.escalations, m.refunds, m.webhooks, m.reconciled)
	return m
}

func (m *SettlementMetrics) IncTransfer(outcome string) {
	if m == nil || m.transfers == nil {
		return
	}
	m.transfers.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *SettlementMetrics) IncEscalation() {
	if m == nil || m.escalations == nil {
		return
	}
	m.escalations.Inc()
}

func (m *SettlementMetrics) IncRefund(outcome string) {
	if m == nil || m.refunds == nil {
		return
	}
	m.refunds.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *SettlementMetrics) IncWebhook(eventType, outcome string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}

// AddReconciled adds n repairs of the given action.
func (m *SettlementMetrics) AddReconciled(action string, n int) {
	if m == nil || m.reconciled == nil || n <= 0 {
		return
	}
	m.reconciled.WithLabelValues(normalizeLabel(action)).Add(float64(n))
}
