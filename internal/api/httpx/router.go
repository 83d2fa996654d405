package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/btc-coordinator/internal/api/httpx/middlewares"
)

// NewRouter mounts the API. metrics serves /metrics and may be nil.
func NewRouter(handler *Handler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachTracingMetadata)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/transactions", func(r chi.Router) {
		r.Post("/", handler.BeginTransaction)
		r.Get("/{id}", handler.GetTransaction)
		r.Post("/{id}/actions", handler.AddAction)
		r.Post("/{id}/commit", handler.Commit)
		r.Post("/{id}/rollback", handler.Rollback)
	})

	r.Get("/flows", handler.ListFlows)
	r.Get("/health", handler.Health)
	r.Get("/audit", handler.AuditTrail)
	r.Get("/audit/{owner}", handler.AuditTrailFor)
	r.Get("/stats", handler.Stats)
	r.Get("/events", handler.Events)
	r.Post("/checkpoints", handler.Checkpoint)
	r.Post("/reconcile", handler.Reconcile)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	return r
}
