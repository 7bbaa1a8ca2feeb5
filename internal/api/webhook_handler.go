package api

import (
	"io"
	"net/http"

	"github.com/sungwon/notify-relay/internal/feedback"
	"github.com/sungwon/notify-relay/internal/logger"
)

// maxWebhookBody caps the size of a provider notification.
const maxWebhookBody = 1 << 20

// WebhookHandler handles POST /webhooks/{source}. The body is handed to the
// listener as-is; a 5xx is returned only when recording failed, so the
// provider redelivers exactly the notifications that can still succeed.
func WebhookHandler(listener *feedback.Listener, source string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromContext(r.Context()).With().Str("source", source).Logger()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(body) > maxWebhookBody {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}

		disp, err := listener.HandleNotification(r.Context(), source, body)
		switch disp {
		case feedback.Failed:
			log.Error().Err(err).Msg("webhook: failed to record feedback")
			respondError(w, http.StatusInternalServerError, "failed to record feedback")
			return
		case feedback.Malformed:
			log.Warn().Err(err).Msg("webhook: invalid payload")
			respondError(w, http.StatusBadRequest, "invalid payload")
			return
		}

		respondJSON(w, http.StatusOK, map[string]string{"status": string(disp)})
	}
}
