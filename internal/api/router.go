package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/pinhawk/pinhawk/internal/api/middleware"
	"github.com/pinhawk/pinhawk/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	SubmitSyncHandler  http.HandlerFunc
	SyncStatusHandler  http.HandlerFunc
	CancelSyncHandler  http.HandlerFunc
	SyncHistoryHandler http.HandlerFunc
	SyncStatsHandler   http.HandlerFunc
	SyncSocketHandler  http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public endpoints
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/sync", orNotImplemented(deps.SubmitSyncHandler))
		r.Get("/api/v1/sync/status/{jobID}", orNotImplemented(deps.SyncStatusHandler))
		r.Post("/api/v1/sync/cancel/{jobID}", orNotImplemented(deps.CancelSyncHandler))
		r.Get("/api/v1/sync/history", orNotImplemented(deps.SyncHistoryHandler))
		r.Get("/api/v1/sync/stats", orNotImplemented(deps.SyncStatsHandler))
		r.Get("/api/v1/sync/ws/{jobID}", orNotImplemented(deps.SyncSocketHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
