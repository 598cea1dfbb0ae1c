// Package api serves the broker HTTP API.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"appbroker/internal/api/handlers"
	"appbroker/internal/api/middleware"
	"appbroker/internal/auth"
)

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Broker  handlers.Broker
	Logger  *zap.Logger
	Signer  *auth.CallbackSigner
	Limiter *middleware.RateLimiter
	// APIToken guards every operator route; empty disables the check.
	APIToken string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// Server is the HTTP server for the broker API.
type Server struct {
	httpServer *http.Server
}

func New(addr string, deps Deps) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(deps),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
	}
}

// NewRouter wires the routes.
func NewRouter(deps Deps) http.Handler {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	h := handlers.New(deps.Broker, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.AccessLog(log))

	r.Get("/healthz", h.Healthz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// Called by backend tasks, authenticated per application.
	if deps.Signer != nil {
		r.With(middleware.RequireCallbackToken(deps.Signer)).Post("/callbacks/{id}", h.Callback)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAPIToken(deps.APIToken))

		r.Get("/plugins", h.ListPlugins)
		if deps.Limiter != nil {
			r.With(deps.Limiter.Middleware()).Post("/submissions", h.Submit)
		} else {
			r.Post("/submissions", h.Submit)
		}
		r.Get("/submissions", h.ListSubmissions)
		r.Get("/submissions/{id}", h.GetSubmission)
		r.Put("/submissions/{id}/terminate", h.Terminate)
		r.Put("/submissions/{id}/stop", h.StopResources)
		r.Get("/submissions/{id}/errors", h.Errors)
		r.Delete("/submissions/{id}", h.Delete)
	})
	return r
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
