package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	authAttempts          *prometheus.CounterVec
	noncesIssued          prometheus.Counter
	settlementTransitions *prometheus.CounterVec
	watchDuration         *prometheus.HistogramVec
	invariantViolations   prometheus.Counter
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rewardgate",
			Name:      "auth_attempts_total",
			Help:      "Wallet verification attempts segmented by outcome.",
		}, []string{"outcome"}),
		noncesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rewardgate",
			Name:      "nonces_issued_total",
			Help:      "Authentication nonces issued.",
		}),
		settlementTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rewardgate",
			Name:      "settlement_transitions_total",
			Help:      "Settlement status transitions segmented by source and target status.",
		}, []string{"from", "to"}),
		watchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rewardgate",
			Name:      "settlement_watch_seconds",
			Help:      "Time from submission until the confirmation watcher resolved the transaction.",
			Buckets:   []float64{5, 10, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		invariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rewardgate",
			Name:      "invariant_violations_total",
			Help:      "Settlement events that would have paid a submission twice.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.authAttempts,
			m.noncesIssued,
			m.settlementTransitions,
			m.watchDuration,
			m.invariantViolations,
		)
	}
	return m
}

// AuthAttempt records a verification outcome
func (m *Metrics) AuthAttempt(outcome string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(outcome).Inc()
}

// NonceIssued records an issued nonce
func (m *Metrics) NonceIssued() {
	if m == nil {
		return
	}
	m.noncesIssued.Inc()
}

// SettlementTransition records a status change
func (m *Metrics) SettlementTransition(from, to string) {
	if m == nil {
		return
	}
	m.settlementTransitions.WithLabelValues(from, to).Inc()
}

// ObserveWatch records how long a watch took to resolve
func (m *Metrics) ObserveWatch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.watchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// InvariantViolation records a prevented double payout
func (m *Metrics) InvariantViolation() {
	if m == nil {
		return
	}
	m.invariantViolations.Inc()
}
