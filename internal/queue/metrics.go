package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Queue metrics for Prometheus monitoring.
var (
	MessagesEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_queue_messages_enqueued_total",
			Help: "Total number of messages enqueued",
		},
	)

	MessagesReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_queue_messages_received_total",
			Help: "Total number of message deliveries handed to consumers",
		},
	)

	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_queue_failures_total",
			Help: "Total number of failed delivery attempts by error kind",
		},
		[]string{"kind"},
	)

	DeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_queue_dead_lettered_total",
			Help: "Total number of messages diverted to the dead-letter queue by last error kind",
		},
		[]string{"kind"},
	)

	ReplayedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_queue_replayed_total",
			Help: "Total number of dead-lettered messages replayed to the main queue",
		},
	)
)
