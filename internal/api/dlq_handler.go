package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sungwon/notify-relay/internal/logger"
	"github.com/sungwon/notify-relay/internal/queue"
)

const (
	defaultDLQLimit = 50
	maxDLQLimit     = 500
)

// dlqListResponse is the JSON response for GET /dlq.
type dlqListResponse struct {
	Depth   int64            `json:"depth"`
	Entries []queue.DLQEntry `json:"entries"`
}

// dlqReplayRequest is the JSON body for POST /dlq/replay.
type dlqReplayRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// dlqReplayResponse is the JSON response for a DLQ replay operation.
type dlqReplayResponse struct {
	Replayed int `json:"replayed"`
	Total    int `json:"total"`
}

// DLQListHandler handles GET /dlq?limit=N.
// It returns the dead-lettered messages with their failure history.
func DLQListHandler(dlq queue.DeadLetterQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromContext(r.Context())

		limit := defaultDLQLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				respondError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxDLQLimit)
		}

		depth, err := dlq.Depth(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("dlq depth failed")
			respondError(w, http.StatusInternalServerError, "dlq unavailable")
			return
		}
		entries, err := dlq.List(r.Context(), limit)
		if err != nil {
			log.Error().Err(err).Msg("dlq list failed")
			respondError(w, http.StatusInternalServerError, "dlq unavailable")
			return
		}
		if entries == nil {
			entries = []queue.DLQEntry{}
		}

		respondJSON(w, http.StatusOK, dlqListResponse{Depth: depth, Entries: entries})
	}
}

// DLQReplayHandler handles POST /dlq/replay.
// It moves messages from the dead letter queue back to the main queue with a
// fresh receive count.
func DLQReplayHandler(dlq queue.DeadLetterQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromContext(r.Context())

		var req dlqReplayRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if len(req.MessageIDs) == 0 {
			respondError(w, http.StatusBadRequest, "message_ids is required and must not be empty")
			return
		}

		replayed, err := dlq.Replay(r.Context(), req.MessageIDs)
		if err != nil {
			log.Error().Err(err).
				Int("requested", len(req.MessageIDs)).
				Int("replayed", replayed).
				Msg("dlq replay failed")
			respondError(w, http.StatusInternalServerError, "replay failed")
			return
		}

		log.Info().
			Int("replayed", replayed).
			Int("total", len(req.MessageIDs)).
			Msg("dlq replay completed")

		respondJSON(w, http.StatusOK, dlqReplayResponse{
			Replayed: replayed,
			Total:    len(req.MessageIDs),
		})
	}
}
