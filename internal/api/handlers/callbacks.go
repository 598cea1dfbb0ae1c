package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"appbroker/internal/executor"
	"appbroker/pkg/api"
)

// Callback handles POST /callbacks/{id}.
// Backend tasks report their exit status here; the token is checked by the
// callback middleware.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	var req api.CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	err := h.broker.Callback(r.Context(), chi.URLParam(r, "id"), executor.CallbackResult{
		ExitCode:   req.ExitCode,
		Error:      req.Error,
		StartedAt:  req.StartedAt,
		FinishedAt: req.FinishedAt,
		Hostname:   req.Hostname,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
