package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow transitions by action and result (ok or the error kind).
	WorkflowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_transitions_total",
			Help: "Milestone, escrow and document workflow intents by outcome",
		},
		[]string{"action", "result"},
	)

	PaymentGatewayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_gateway_latency_ms",
			Help:    "Payment gateway call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"operation", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Statements slower than the slow-query threshold",
		},
	)

	ReconciledPayments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_payments_total",
			Help: "Payments examined by the reconciliation job",
		},
		[]string{"outcome"}, // confirmed, failed, pending, error, exhausted
	)

	OutboxEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_total",
			Help: "Outbox events handled by the dispatcher",
		},
		[]string{"status"}, // sent, retry, failed
	)
)

func RecordTransition(action, result string) {
	WorkflowTransitions.WithLabelValues(action, result).Inc()
}

func RecordGatewayLatency(operation, status string, duration time.Duration) {
	PaymentGatewayLatency.WithLabelValues(operation, status).Observe(float64(duration.Milliseconds()))
}

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func IncrementSlowQuery() {
	SlowQueryCount.Inc()
}

func IncrementReconciled(outcome string) {
	ReconciledPayments.WithLabelValues(outcome).Inc()
}

func IncrementOutbox(status string) {
	OutboxEvents.WithLabelValues(status).Inc()
}
