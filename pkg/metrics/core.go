package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CoreMetrics covers the order lifecycle, the acceptance gate and settlement.
// A nil *CoreMetrics is valid and records nothing.
type CoreMetrics struct {
	transitions   *prometheus.CounterVec
	claims        *prometheus.CounterVec
	claimDuration prometheus.Histogram
	reservations  *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	netClamped    prometheus.Counter
}

// NewCoreMetrics registers the core counters on the provided registerer.
func NewCoreMetrics(reg prometheus.Registerer) *CoreMetrics {
	if reg == nil {
		return &CoreMetrics{}
	}
	m := &CoreMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_order_transitions_total",
			Help: "Order transition attempts by from/to status and outcome.",
		}, []string{"from", "to", "outcome"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_claims_total",
			Help: "Driver claim attempts by outcome.",
		}, []string{"outcome"}),
		claimDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_claim_duration_seconds",
			Help:    "Time spent resolving a driver claim, lock waits included.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_stock_reservations_total",
			Help: "Stock reservation attempts by outcome.",
		}, []string{"outcome"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_settlements_total",
			Help: "Settlement calls by outcome.",
		}, []string{"outcome"}),
		netClamped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_settlement_net_clamped_total",
			Help: "Settlements where commission consumed the gross and net was clamped to gross.",
		}),
	}
	reg.MustRegister(m.transitions, m.claims, m.claimDuration, m.reservations, m.settlements, m.netClamped)
	return m
}

func (m *CoreMetrics) IncTransition(from, to, outcome string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to), normalizeLabel(outcome)).Inc()
}

func (m *CoreMetrics) ObserveClaim(outcome string, took time.Duration) {
	if m == nil || m.claims == nil {
		return
	}
	m.claims.WithLabelValues(normalizeLabel(outcome)).Inc()
	m.claimDuration.Observe(took.Seconds())
}

func (m *CoreMetrics) IncReservation(outcome string) {
	if m == nil || m.reservations == nil {
		return
	}
	m.reservations.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *CoreMetrics) IncSettlement(outcome string) {
	if m == nil || m.settlements == nil {
		return
	}
	m.settlements.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *CoreMetrics) IncNetClamped() {
	if m == nil || m.netClamped == nil {
		return
	}
	m.netClamped.Inc()
}
