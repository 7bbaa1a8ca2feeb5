package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sungwon/notify-relay/internal/logger"
	"github.com/sungwon/notify-relay/internal/queue"
)

// maxEnqueueBody caps the size of a submitted message.
const maxEnqueueBody = 1 << 20

const defaultEnqueueScope = "api"

// enqueueRequest is the JSON body for POST /messages. Either ID or EventKey
// must be set; with only an event key the ID is derived from scope, event
// key and recipient, so resubmitting the same event yields the same ID.
type enqueueRequest struct {
	ID       string        `json:"id"`
	Scope    string        `json:"scope"`
	EventKey string        `json:"event_key"`
	Payload  queue.Payload `json:"payload"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

// EnqueueHandler handles POST /messages. It is mounted when the process owns
// an in-memory queue that no other producer can reach.
func EnqueueHandler(q queue.Enqueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromContext(r.Context())

		var req enqueueRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxEnqueueBody))
		if err := dec.Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		id := strings.TrimSpace(req.ID)
		if id == "" && req.EventKey != "" {
			scope := req.Scope
			if scope == "" {
				scope = defaultEnqueueScope
			}
			id = queue.DeterministicID(scope, req.EventKey+"/"+strings.ToLower(strings.TrimSpace(req.Payload.Recipient)))
		}

		msg := queue.NewMessage(id, req.Payload)
		if err := msg.Validate(); err != nil {
			respondError(w, http.StatusBadRequest, validationMessage(err))
			return
		}

		if err := q.Enqueue(r.Context(), msg); err != nil {
			log.Error().Err(err).Str("message_id", msg.ID).Msg("enqueue failed")
			respondError(w, http.StatusInternalServerError, "failed to enqueue message")
			return
		}

		log.Info().Str("message_id", msg.ID).Msg("message enqueued")
		respondJSON(w, http.StatusAccepted, enqueueResponse{ID: msg.ID})
	}
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, queue.ErrEmptyID):
		return "id or event_key is required"
	case errors.Is(err, queue.ErrNoRecipient):
		return "payload.recipient is required"
	default:
		return err.Error()
	}
}
