package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/tunehub/internal/api/middleware"
	"github.com/kiranshivaraju/tunehub/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	AdminAuth *mw.AdminAuth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CreateJobHandler http.HandlerFunc
	ListJobsHandler  http.HandlerFunc
	GetJobHandler    http.HandlerFunc
	JobStatusHandler http.HandlerFunc
	HideJobHandler   http.HandlerFunc
	UnhideJobHandler http.HandlerFunc

	TrainingWebhookHandler   http.HandlerFunc
	GenerationWebhookHandler http.HandlerFunc

	RetryRegistrationsHandler http.HandlerFunc
	UnmatchedWebhooksHandler  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/health", orNotImplemented(deps.HealthHandler))

	// Provider callbacks skip rate limiting.
	r.Post("/api/training-webhook", orNotImplemented(deps.TrainingWebhookHandler))
	r.Post("/api/generation-webhook", orNotImplemented(deps.GenerationWebhookHandler))

	r.Group(func(r chi.Router) {
		r.Use(mw.ClientKey)
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/api/jobs", orNotImplemented(deps.CreateJobHandler))
		r.Get("/api/jobs", orNotImplemented(deps.ListJobsHandler))
		r.Get("/api/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Get("/api/jobs/{jobID}/status", orNotImplemented(deps.JobStatusHandler))
		r.Post("/api/jobs/{jobID}/hide", orNotImplemented(deps.HideJobHandler))
		r.Post("/api/jobs/{jobID}/unhide", orNotImplemented(deps.UnhideJobHandler))
	})

	r.Group(func(r chi.Router) {
		admin := deps.AdminAuth
		if admin == nil {
			admin = mw.NewAdminAuth("")
		}
		r.Use(admin.Require)

		r.Post("/api/admin/registrations/retry", orNotImplemented(deps.RetryRegistrationsHandler))
		r.Get("/api/admin/unmatched-webhooks", orNotImplemented(deps.UnmatchedWebhooksHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, response.CodeNotImplemented, "Endpoint not yet implemented", nil)
	}
}
