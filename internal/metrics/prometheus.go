package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery metrics
var (
	VerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_verdicts_total",
			Help: "Total number of per-message verdicts returned by the consumer",
		},
		[]string{"verdict", "kind"}, // ack|fail; sent, duplicate, suppressed, permanent, transient, conflict, panic, internal
	)

	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_sends_total",
			Help: "Total number of provider send calls by outcome",
		},
		[]string{"provider", "result"}, // success, transient, permanent
	)

	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_send_duration_seconds",
			Help:    "Duration of provider send calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_batch_duration_seconds",
			Help:    "Duration of processBatch invocations",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	InflightBatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_inflight_batches",
			Help: "Number of batches currently being processed by this instance",
		},
	)

	LimiterWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_limiter_wait_seconds",
			Help:    "Time spent waiting for a concurrency slot",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Idempotency metrics
var (
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_idempotency_claims_total",
			Help: "Total number of claim attempts by outcome",
		},
		[]string{"outcome"}, // new, in_progress, completed, failed, takeover
	)

	IdempotencyRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_idempotency_records",
			Help: "Number of records currently held by the idempotency store",
		},
	)

	IdempotencyExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_idempotency_expired_total",
			Help: "Total number of idempotency records removed by TTL expiry",
		},
	)
)

// Suppression and feedback metrics
var (
	SuppressionEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_suppression_entries",
			Help: "Number of suppressed recipient entries",
		},
	)

	OutcomeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_outcome_events_total",
			Help: "Total number of delivery outcome events handled by the listener",
		},
		[]string{"kind", "result"}, // bounce|complaint; created, duplicate, invalid, error
	)

	FeedbackMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_feedback_messages_total",
			Help: "Total number of raw feedback notifications received by source and result",
		},
		[]string{"source", "result"}, // ses, sendgrid, mailgun; handled, ignored, malformed, error
	)
)

// SMTP intake metrics
var (
	IntakeMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_intake_messages_total",
			Help: "Total number of per-recipient messages submitted over SMTP by result",
		},
		[]string{"result"}, // enqueued, rejected, error
	)

	IntakeSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_intake_sessions_active",
			Help: "Number of open SMTP intake sessions",
		},
	)
)

// Dead-letter metrics
var (
	DLQDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_dlq_depth",
			Help: "Number of messages in the dead-letter queue",
		},
	)
)

// API metrics
var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_api_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Database metrics
var (
	DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_db_connections_active",
			Help: "Number of active database connections",
		},
	)

	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_db_connections_idle",
			Help: "Number of idle database connections",
		},
	)
)
