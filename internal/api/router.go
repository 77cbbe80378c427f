package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskpipe/internal/api/middleware"
	"taskpipe/internal/statestore"
)

func NewRouter(h *Handlers, store statestore.Store) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/group", h.GroupStatus)

	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", h.ListQuarantined)
		r.Get("/{id}", h.GetQuarantined)
		r.With(middleware.Idempotency(store)).Post("/{id}/replay", h.ReplayQuarantined)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
