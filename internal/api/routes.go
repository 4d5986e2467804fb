package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes wires the router. The run triggers live under /api; the
// opt-out pages and bounce webhook are public because people and mail
// providers hit them directly from email links.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/runs/import", h.TriggerImport)
		r.Post("/runs/followup", h.TriggerFollowup)
		r.Get("/batches", h.ListBatches)
		r.Get("/batches/{id}", h.GetBatch)
		r.Get("/batches/{id}/persons", h.ListBatchPersons)
		r.Get("/export/demographics.csv", h.ExportDemographics)
	})

	// Public surfaces linked from verification emails and provider config.
	r.Get("/optout", h.OptOutForm)
	r.Post("/optout", h.OptOutSubmit)
	r.Post("/bounce", h.BounceWebhook)

	return r
}
