package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups all Prometheus instruments used across the service.
// Registered once at startup via New(); passed by pointer wherever needed.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Messages posted, per queue
	MessagesPosted *prometheus.CounterVec
	// Messages handed out by claims, per queue
	MessagesClaimed *prometheus.CounterVec
	// Messages deleted by consumers, per queue
	MessagesDeleted *prometheus.CounterVec

	// Claim requests by outcome ("hit" or "empty")
	Claims *prometheus.CounterVec

	// Storage writes retried after a transient failure
	StorageRetries prometheus.Counter
	// Storage writes that exhausted every attempt
	StorageWriteFailures prometheus.Counter
	// Double claims detected after a claim returned
	InvariantViolations prometheus.Counter

	// GC run duration
	GCDuration prometheus.Histogram
	// Expired messages physically removed by GC
	GCPurged prometheus.Counter
	// GC errors counter
	GCErrors prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesPosted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimq_messages_posted_total",
			Help: "Total number of messages posted",
		}, []string{"queue"}),

		MessagesClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimq_messages_claimed_total",
			Help: "Total number of messages handed out by claims",
		}, []string{"queue"}),

		MessagesDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimq_messages_deleted_total",
			Help: "Total number of messages deleted by consumers",
		}, []string{"queue"}),

		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimq_claims_total",
			Help: "Total number of claim requests by outcome",
		}, []string{"outcome"}),

		StorageRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimq_storage_retries_total",
			Help: "Total number of storage writes retried after a transient failure",
		}),

		StorageWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimq_storage_write_failures_total",
			Help: "Total number of storage writes that exhausted all attempts",
		}),

		InvariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimq_invariant_violations_total",
			Help: "Total number of messages found held by two live claims",
		}),

		GCDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "claimq_gc_duration_seconds",
			Help:    "Time taken for one garbage collection pass",
			Buckets: prometheus.DefBuckets,
		}),

		GCPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimq_gc_purged_total",
			Help: "Total number of expired messages removed by garbage collection",
		}),

		GCErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimq_gc_errors_total",
			Help: "Total number of garbage collection errors",
		}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimq_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		}, []string{"method", "route", "status"}),

		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimq_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.MessagesPosted,
		m.MessagesClaimed,
		m.MessagesDeleted,
		m.Claims,
		m.StorageRetries,
		m.StorageWriteFailures,
		m.InvariantViolations,
		m.GCDuration,
		m.GCPurged,
		m.GCErrors,
		m.HTTPRequests,
		m.HTTPLatency,
	)

	return m
}

func (m *Metrics) Posted(queueName string, n int) {
	if m == nil {
		return
	}
	m.MessagesPosted.WithLabelValues(queueName).Add(float64(n))
}

// Claimed records one claim request; n == 0 counts as an empty claim.
func (m *Metrics) Claimed(queueName string, n int) {
	if m == nil {
		return
	}
	if n == 0 {
		m.Claims.WithLabelValues("empty").Inc()
		return
	}
	m.Claims.WithLabelValues("hit").Inc()
	m.MessagesClaimed.WithLabelValues(queueName).Add(float64(n))
}

func (m *Metrics) Deleted(queueName string, n int) {
	if m == nil {
		return
	}
	m.MessagesDeleted.WithLabelValues(queueName).Add(float64(n))
}

// RetryHooks returns the callbacks expected by retry.Policy.
func (m *Metrics) RetryHooks() (onRetry func(int, error), onExhausted func()) {
	onRetry = func(int, error) {
		if m != nil {
			m.StorageRetries.Inc()
		}
	}
	onExhausted = func() {
		if m != nil {
			m.StorageWriteFailures.Inc()
		}
	}
	return
}

func (m *Metrics) InvariantViolation() {
	if m == nil {
		return
	}
	m.InvariantViolations.Inc()
}

// GCPass records one sweep of the garbage collector.
func (m *Metrics) GCPass(took time.Duration, purged int, failed bool) {
	if m == nil {
		return
	}
	m.GCDuration.Observe(took.Seconds())
	m.GCPurged.Add(float64(purged))
	if failed {
		m.GCErrors.Inc()
	}
}

func (m *Metrics) HTTPRequest(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, statusLabel(status)).Inc()
	m.HTTPLatency.WithLabelValues(method, route).Observe(took.Seconds())
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
