// Package handlers contains HTTP handlers for the broker API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"appbroker/internal/driver"
	"appbroker/internal/executor"
	"appbroker/internal/logger"
	"appbroker/internal/plugin"
	"appbroker/internal/store"
	"appbroker/pkg/api"
)

// Broker is the part of the driver the API exposes.
type Broker interface {
	Submit(ctx context.Context, plugin string, payload map[string]any) (string, executor.Executor, error)
	Get(ctx context.Context, appID string) (executor.Record, error)
	List(ctx context.Context) ([]executor.Record, error)
	Terminate(ctx context.Context, appID string) error
	StopResources(ctx context.Context, appID string) error
	Errors(ctx context.Context, appID string) ([]string, error)
	Delete(ctx context.Context, appID string) error
	Callback(ctx context.Context, appID string, result executor.CallbackResult) error
	Plugins() []plugin.Descriptor
}

var _ Broker = (*driver.Driver)(nil)

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	broker Broker
	log    *zap.Logger
}

func New(b Broker, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{broker: b, log: log}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// fail maps a broker error onto a status code. Unexpected errors are logged
// and reported without detail.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context(), h.log).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		h.httpError(w, "Internal error", status)
		return
	}
	h.httpError(w, err.Error(), status)
}

func errorStatus(err error) int {
	switch {
	case executor.IsValidation(err), errors.Is(err, executor.ErrUnknownBackend):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, driver.ErrNotSettled),
		errors.Is(err, executor.ErrCallbackUnsupported),
		errors.Is(err, executor.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, driver.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
