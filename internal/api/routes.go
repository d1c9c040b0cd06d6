package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the admin API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/newsletters", func(r chi.Router) {
			r.Get("/", h.ListNewsletters)
			r.Post("/", h.CreateNewsletter)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetNewsletter)
				r.Put("/", h.UpdateNewsletter)
				r.Delete("/", h.DeleteNewsletter)
				r.Post("/send", h.SendNewsletter)
				r.Post("/cancel", h.CancelNewsletter)
				r.Post("/resend", h.ResendNewsletter)
				r.Get("/progress", h.GetProgress)
			})
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", h.GetSettings)
			r.Put("/", h.UpdateSettings)
		})

		r.Route("/content", func(r chi.Router) {
			r.Post("/topics", h.ExtractTopics)
			r.Post("/intro", h.GenerateIntro)
			r.Post("/refine", h.RefineIntro)
		})

		r.Post("/header-images", h.UploadHeaderImage)
	})

	return r
}
