package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics tracks credit ledger activity and reconciliation outcomes.
type LedgerMetrics struct {
	entries      *prometheus.CounterVec
	credits      *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	bestEffort   *prometheus.CounterVec
	driftRepairs prometheus.Counter
}

// NewLedgerMetrics registers the ledger metrics on the provided registerer.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	entries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_entries_total",
		Help:      "Ledger entries appended, by source.",
	}, []string{"source"})
	credits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_credits_total",
		Help:      "Absolute credits moved through the ledger, by source.",
	}, []string{"source"})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_rejections_total",
		Help:      "Ledger appends rejected, by source and error code.",
	}, []string{"source", "code"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_outcomes_total",
		Help:      "Reconciled events by origin and terminal state.",
	}, []string{"origin", "state"})
	bestEffort := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "best_effort_failures_total",
		Help:      "Best-effort side effects that failed after commit.",
	}, []string{"step"})
	driftRepairs := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_drift_repairs_total",
		Help:      "Balance projections rebuilt from the ledger.",
	})
	reg.MustRegister(entries, credits, rejections, outcomes, bestEffort, driftRepairs)
	return &LedgerMetrics{
		entries:      entries,
		credits:      credits,
		rejections:   rejections,
		outcomes:     outcomes,
		bestEffort:   bestEffort,
		driftRepairs: driftRepairs,
	}
}

// RecordAppend counts a committed ledger entry.
func (m *LedgerMetrics) RecordAppend(source string, amount int) {
	if m == nil || m.entries == nil {
		return
	}
	label := normalizeLabel(source)
	m.entries.WithLabelValues(label).Inc()
	if amount < 0 {
		amount = -amount
	}
	m.credits.WithLabelValues(label).Add(float64(amount))
}

// RecordRejection counts an append refused by a ledger guard.
func (m *LedgerMetrics) RecordRejection(source, code string) {
	if m == nil || m.rejections == nil {
		return
	}
	m.rejections.WithLabelValues(normalizeLabel(source), normalizeLabel(code)).Inc()
}

// RecordOutcome counts the terminal state of a reconciled event.
func (m *LedgerMetrics) RecordOutcome(origin, state string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(origin), normalizeLabel(state)).Inc()
}

// IncBestEffortFailure counts a failed post-commit side effect.
func (m *LedgerMetrics) IncBestEffortFailure(step string) {
	if m == nil || m.bestEffort == nil {
		return
	}
	m.bestEffort.WithLabelValues(normalizeLabel(step)).Inc()
}

// IncDriftRepair counts a rebuilt balance projection.
func (m *LedgerMetrics) IncDriftRepair() {
	if m == nil || m.driftRepairs == nil {
		return
	}
	m.driftRepairs.Inc()
}
