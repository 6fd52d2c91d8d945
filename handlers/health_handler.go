package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger is anything the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	checks map[string]Pinger
}

func NewHealthHandler(checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{checks: checks}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{}
	healthy := true
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			status[name] = "unavailable"
			healthy = false
			continue
		}
		status[name] = "ok"
	}

	if !healthy {
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "checks": status})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"status": "healthy", "service": "loyalty-ledger-api", "checks": status})
}
