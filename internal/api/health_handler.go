package api

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// ReadyCheck reports whether one dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// readyCheckTimeout bounds each dependency probe.
const readyCheckTimeout = 2 * time.Second

// HealthzHandler handles GET /healthz.
// Always returns 200 OK with {"status":"ok"}.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// ReadyzHandler handles GET /readyz.
// Runs every check; returns 200 if all pass, 503 with a Retry-After header and
// the failing dependencies otherwise.
func ReadyzHandler(checks map[string]ReadyCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		resp := readyResponse{Status: "ok", Checks: make(map[string]string, len(names))}
		for _, name := range names {
			ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
			err := checks[name](ctx)
			cancel()
			if err != nil {
				resp.Status = "unavailable"
				resp.Checks[name] = err.Error()
				continue
			}
			resp.Checks[name] = "ok"
		}

		if resp.Status != "ok" {
			w.Header().Set("Retry-After", "30")
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		respondJSON(w, http.StatusOK, resp)
	}
}
