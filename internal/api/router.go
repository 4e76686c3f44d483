package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", h.HealthCheck)
	r.With(Identity).Get("/workers", h.ListWorkers)

	r.Route("/queues", func(r chi.Router) {
		r.Use(Identity)
		r.Post("/", h.CreateQueue)
		r.Get("/", h.ListActiveQueues)
		r.Get("/{queueID}", h.GetQueueStatus)
		r.Post("/{queueID}/cancel", h.CancelQueue)
	})

	return r
}
