// Package metrics holds the Prometheus collectors for lock coordination and
// the upload saga. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "trailhunt"

// Metrics groups every collector the backend exports.
type Metrics struct {
	breakerState         *prometheus.GaugeVec
	breakerRejections    *prometheus.CounterVec
	sagaOutcomes         *prometheus.CounterVec
	compensations        *prometheus.CounterVec
	idempotencyFallbacks prometheus.Counter
	lockConflicts        prometheus.Counter
	lockFailOpen         prometheus.Counter
	lockTokensIssued     prometheus.Counter
}

// New creates the collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests to keep registrations isolated.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open).",
		}, []string{"dependency"}),
		breakerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_rejections_total",
			Help:      "Calls rejected because the dependency breaker was open.",
		}, []string{"dependency"}),
		sagaOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_saga_outcomes_total",
			Help:      "Upload sagas by terminal state.",
		}, []string{"state"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_compensations_total",
			Help:      "Compensating asset deletes by result.",
		}, []string{"result"}),
		idempotencyFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_key_fallbacks_total",
			Help:      "Requests whose idempotency key fell back to a random value.",
		}),
		lockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_lock_conflicts_total",
			Help:      "Team verifications rejected because the device is bound to another team.",
		}),
		lockFailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_lock_fail_open_total",
			Help:      "Conflict checks that failed open after a datastore error.",
		}),
		lockTokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_tokens_issued_total",
			Help:      "Lock tokens minted by team verification.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.breakerState,
			m.breakerRejections,
			m.sagaOutcomes,
			m.compensations,
			m.idempotencyFallbacks,
			m.lockConflicts,
			m.lockFailOpen,
			m.lockTokensIssued,
		)
	}
	return m
}

func (m *Metrics) BreakerState(dependency string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(dependency).Set(float64(state))
}

func (m *Metrics) BreakerRejected(dependency string) {
	if m == nil {
		return
	}
	m.breakerRejections.WithLabelValues(dependency).Inc()
}

func (m *Metrics) SagaFinished(state string) {
	if m == nil {
		return
	}
	m.sagaOutcomes.WithLabelValues(state).Inc()
}

func (m *Metrics) Compensated(ok bool) {
	if m == nil {
		return
	}
	result := "deleted"
	if !ok {
		result = "failed"
	}
	m.compensations.WithLabelValues(result).Inc()
}

func (m *Metrics) IdempotencyFallback() {
	if m == nil {
		return
	}
	m.idempotencyFallbacks.Inc()
}

func (m *Metrics) LockConflict() {
	if m == nil {
		return
	}
	m.lockConflicts.Inc()
}

func (m *Metrics) LockFailOpen() {
	if m == nil {
		return
	}
	m.lockFailOpen.Inc()
}

func (m *Metrics) LockTokenIssued() {
	if m == nil {
		return
	}
	m.lockTokensIssued.Inc()
}
