package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/productlens/internal/api/middleware"
	"github.com/kiranshivaraju/productlens/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler     http.HandlerFunc
	CreateJob         http.HandlerFunc
	GetJob            http.HandlerFunc
	CancelJob         http.HandlerFunc
	ListDeliveries    http.HandlerFunc
	ReactivateWebhook http.HandlerFunc

	// Live serves the job progress WebSocket.
	Live http.Handler
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

		r.Post("/api/v1/jobs", orNotImplemented(deps.CreateJob))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
		r.Delete("/api/v1/jobs/{jobID}", orNotImplemented(deps.CancelJob))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Get("/api/v1/webhooks/{webhookID}/deliveries", orNotImplemented(deps.ListDeliveries))
			r.Post("/api/v1/webhooks/{webhookID}/reactivate", orNotImplemented(deps.ReactivateWebhook))
		})
	})

	// Live progress. Connections are long-lived, so only the handshake is
	// authenticated and it is not rate limited.
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		if deps.Live != nil {
			r.Handle("/ws/jobs/{jobID}", deps.Live)
		} else {
			r.Get("/ws/jobs/{jobID}", orNotImplemented(nil))
		}
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
