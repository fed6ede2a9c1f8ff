// Package api wires the HTTP surface: middleware stack plus the report
// endpoints.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/reportforge/engine/internal/api/middleware"
	"github.com/reportforge/engine/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc
	CreateReport  http.HandlerFunc
	GetReport     http.HandlerFunc
	ListReports   http.HandlerFunc
	CancelReport  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/reports", orNotImplemented(deps.CreateReport))
		r.Get("/api/v1/reports", orNotImplemented(deps.ListReports))
		r.Get("/api/v1/reports/{jobID}", orNotImplemented(deps.GetReport))
		r.Post("/api/v1/reports/{jobID}/cancel", orNotImplemented(deps.CancelReport))
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
