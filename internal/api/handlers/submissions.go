package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"appbroker/internal/executor"
	"appbroker/internal/logger"
	"appbroker/pkg/api"
)

// Submit handles POST /submissions.
// The application is accepted once its initial record is persisted;
// provisioning continues in the background.
func (h *Handlers) Submit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Plugin == "" {
		h.httpError(w, "plugin is required", http.StatusBadRequest)
		return
	}
	if req.Data == nil {
		req.Data = map[string]any{}
	}

	appID, _, err := h.broker.Submit(r.Context(), req.Plugin, req.Data)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	logger.FromContext(r.Context(), h.log).Info("submission received",
		zap.String("app_id", appID),
		zap.String("plugin", req.Plugin),
	)
	h.respondJson(w, http.StatusAccepted, api.SubmitResponse{AppID: appID})
}

// ListSubmissions handles GET /submissions.
func (h *Handlers) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	recs, err := h.broker.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := api.ListSubmissionsResponse{Submissions: make([]api.SubmissionResponse, 0, len(recs))}
	for _, rec := range recs {
		resp.Submissions = append(resp.Submissions, toResponse(rec))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetSubmission handles GET /submissions/{id}.
func (h *Handlers) GetSubmission(w http.ResponseWriter, r *http.Request) {
	rec, err := h.broker.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toResponse(rec))
}

// Terminate handles PUT /submissions/{id}/terminate.
func (h *Handlers) Terminate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.broker.Terminate(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	rec, err := h.broker.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toResponse(rec))
}

// StopResources handles PUT /submissions/{id}/stop.
func (h *Handlers) StopResources(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.StopResources(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Errors handles GET /submissions/{id}/errors.
func (h *Handlers) Errors(w http.ResponseWriter, r *http.Request) {
	entries, err := h.broker.Errors(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []string{}
	}
	h.respondJson(w, http.StatusOK, api.ErrorsResponse{Errors: entries})
}

// Delete handles DELETE /submissions/{id}.
// Only finished applications can be deleted.
func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toResponse(rec executor.Record) api.SubmissionResponse {
	resp := api.SubmissionResponse{
		AppID:         rec.AppID,
		Plugin:        rec.Plugin,
		Status:        string(rec.State),
		Terminated:    rec.Terminated,
		Reason:        rec.Reason,
		Handle:        rec.Handle,
		ExecutionTime: rec.ExecutionTime(time.Now().UTC()).Seconds(),
		DashboardURL:  rec.Collaborators.DashboardURL,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if !rec.StartTime.IsZero() {
		t := rec.StartTime
		resp.StartTime = &t
	}
	if !rec.EndTime.IsZero() {
		t := rec.EndTime
		resp.EndTime = &t
	}
	return resp
}
