package handlers

import (
	"context"
	"net/http"

	"github.com/cyber-range/engine/internal/api/types"
	appErr "github.com/cyber-range/engine/pkg/errors"
)

// Pinger checks a dependency needed to serve traffic.
type Pinger func(ctx context.Context) error

type HealthHandler struct {
	ready Pinger
}

func NewHealthHandler(ready Pinger) *HealthHandler { return &HealthHandler{ready: ready} }

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: map[string]string{"status": "ok"}})
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			writeError(w, appErr.Wrap(err, appErr.CodeUnavailable, "database not reachable"))
			return
		}
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: map[string]string{"status": "ready"}})
}
