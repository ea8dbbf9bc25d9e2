package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counts(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.JobEvent("enqueued")
	m.JobEvent("enqueued")
	m.JobEvent("failed")
	done := m.HandlerStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))
	done()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobs.WithLabelValues("enqueued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.JobEvent("enqueued")
	m.HandlerStarted()()
	m.OrderTerminal("FAILED")
	m.SubscriberAttached()
	m.SubscriberDetached()
	m.SubscriberDropped()
}
