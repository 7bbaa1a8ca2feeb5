package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sungwon/notify-relay/internal/feedback"
	"github.com/sungwon/notify-relay/internal/queue"
)

// Deps are the components the operational API exposes. Nil fields leave
// their routes unregistered, so each process mounts only what it runs.
type Deps struct {
	// Checks are run by /readyz, keyed by dependency name.
	Checks map[string]ReadyCheck
	// DLQ backs GET /dlq and POST /dlq/replay.
	DLQ queue.DeadLetterQueue
	// Listener backs the provider webhooks.
	Listener *feedback.Listener
	// Enqueuer backs POST /messages.
	Enqueuer queue.Enqueuer
}

// NewRouter creates a chi.Mux with all routes, middleware, and handlers configured.
func NewRouter(deps Deps, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(CorrelationIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(RecoverMiddleware(log))

	r.Get("/healthz", HealthzHandler())
	r.Get("/readyz", ReadyzHandler(deps.Checks))
	r.Handle("/metrics", promhttp.Handler())

	if deps.Listener != nil {
		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/ses", WebhookHandler(deps.Listener, feedback.SourceSES))
			r.Post("/sendgrid", WebhookHandler(deps.Listener, feedback.SourceSendGrid))
			r.Post("/mailgun", WebhookHandler(deps.Listener, feedback.SourceMailgun))
		})
	}

	if deps.Enqueuer != nil {
		r.Post("/messages", EnqueueHandler(deps.Enqueuer))
	}

	if deps.DLQ != nil {
		r.Get("/dlq", DLQListHandler(deps.DLQ))
		r.Post("/dlq/replay", DLQReplayHandler(deps.DLQ))
	}

	return r
}
