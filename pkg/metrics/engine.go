package metrics

import "github.com/prometheus/client_golang/prometheus"

// Token-engine counters. Registered once at package init; services increment
// them directly on the hot path.
var (
	AuthorizationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "token_engine",
		Name:      "authorizations_total",
		Help:      "Consumption authorization decisions, partitioned by action type and outcome.",
	}, []string{"action_type", "outcome"})

	TokensConsumedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "token_engine",
		Name:      "tokens_consumed_total",
		Help:      "Tokens debited for approved actions, partitioned by action type.",
	}, []string{"action_type"})

	OverageChargesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "token_engine",
		Name:      "overage_charges_total",
		Help:      "Overage billing events emitted to the invoicing collaborator.",
	})

	RolloversTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "token_engine",
		Name:      "rollovers_total",
		Help:      "Period rollover outcomes, partitioned by result.",
	}, []string{"result"})

	LedgerMismatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "token_engine",
		Name:      "ledger_mismatches_total",
		Help:      "Ledger replay mismatches detected by reconciliation.",
	})
)

func init() {
	prometheus.MustRegister(
		AuthorizationsTotal,
		TokensConsumedTotal,
		OverageChargesTotal,
		RolloversTotal,
		LedgerMismatchesTotal,
	)
}
