package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.BreakerState("database", 1)
	m.BreakerRejected("database")
	m.BreakerRejected("database")
	m.SagaFinished("PERSISTED")
	m.Compensated(false)
	m.IdempotencyFallback()
	m.LockConflict()
	m.LockFailOpen()
	m.LockTokenIssued()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("database")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerRejections.WithLabelValues("database")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sagaOutcomes.WithLabelValues("PERSISTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.compensations.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.idempotencyFallbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockFailOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockTokensIssued))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.BreakerState("storage-provider", 2)
	m.SagaFinished("FAILED")
	m.Compensated(true)
	m.IdempotencyFallback()
}
