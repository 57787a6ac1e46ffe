package api

import (
	"net/http"

	"edge-sync/internal/replication"

	"github.com/go-chi/chi/v5"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(RecoveryMiddleware(h.logger))
	r.Use(LoggingMiddleware(h.logger))

	// Sync transport
	r.Post(replication.SyncPath, h.Sync)
	r.Get("/internal/heartbeat", h.Heartbeat)

	// Admin APIs
	r.Get("/admin/peers", h.GetPeers)
	r.Get("/admin/sessions", h.GetSessions)
	r.Get("/admin/entities", h.ListEntities)

	// Observability APIs
	r.Get("/metrics", h.GetMetrics)
	r.Get("/health", h.GetHealth)

	// Mutation hooks
	r.Route("/api", func(r chi.Router) {
		r.Put("/dashboards/{id}", h.PutDashboard)
		r.Put("/customers/{id}", h.PutCustomer)
		r.Put("/assets/{id}", h.PutAsset)
		for path, kind := range KindsByPath {
			r.Get("/"+path+"/{id}", h.GetEntity(kind))
			r.Delete("/"+path+"/{id}", h.DeleteEntity(kind))
		}

		r.Post("/customers/{customerId}/dashboards/{dashboardId}", h.AssignDashboard)
		r.Delete("/customers/{customerId}/dashboards/{dashboardId}", h.UnassignDashboard)
	})

	return r
}
