package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Posted("jobs", 3)
	m.Claimed("jobs", 2)
	m.Claimed("jobs", 0)
	m.Deleted("jobs", 1)
	m.GCPass(time.Millisecond, 5, true)
	m.HTTPRequest("POST", "/v1/queues/{queue}/claims", 201, time.Millisecond)

	onRetry, onExhausted := m.RetryHooks()
	onRetry(1, nil)
	onRetry(2, nil)
	onExhausted()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.MessagesPosted.WithLabelValues("jobs")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesClaimed.WithLabelValues("jobs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Claims.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Claims.WithLabelValues("empty")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDeleted.WithLabelValues("jobs")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.GCPurged))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GCErrors))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StorageRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StorageWriteFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/v1/queues/{queue}/claims", "2xx")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Posted("q", 1)
		m.Claimed("q", 1)
		m.Deleted("q", 1)
		m.InvariantViolation()
		m.GCPass(time.Second, 1, true)
		m.HTTPRequest("GET", "/", 200, time.Second)
		onRetry, onExhausted := m.RetryHooks()
		onRetry(1, nil)
		onExhausted()
	})
}
