package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gradewise/gradewise-api/internal/api/shared"
)

// NewRouter assembles the HTTP routes for both handler surfaces.
func NewRouter(jobs *JobHandler, essays *EssayHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobs.SubmitJob)
			r.Get("/{id}", jobs.GetJob)
			r.Delete("/{id}", jobs.CancelJob)
		})
		r.Route("/essays", func(r chi.Router) {
			r.Post("/", essays.SubmitEssay)
			r.Get("/{id}", essays.GetEssay)
			r.Post("/rescore", essays.Rescore)
		})
	})

	return r
}
