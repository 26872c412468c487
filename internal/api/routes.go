package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates the admin router. Everything but /health requires the
// API key.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Get("/outbox", h.ListOutbox)
			r.Get("/outbox/stats", h.OutboxStats)
			r.Post("/outbox/{id}/retry", h.RetryEntry)
			r.Post("/outbox/purge", h.PurgeOutbox)
			r.Post("/drain", h.Drain)
			r.Put("/sync/enabled", h.SetEnabled)
			r.Post("/backup", h.Backup)
			r.Get("/conversations/{id}/messages", h.ConversationMessages)
		})
	})

	return r
}
