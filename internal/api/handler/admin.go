package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/tunehub/internal/api/response"
	"github.com/kiranshivaraju/tunehub/internal/registration"
	"github.com/kiranshivaraju/tunehub/pkg/models"
)

// RegistrationSweeper re-attempts outstanding derivative registrations.
type RegistrationSweeper interface {
	RetryFailed(ctx context.Context, limit int) (registration.SweepResult, error)
}

// UnmatchedLister reads parked webhook deliveries.
type UnmatchedLister interface {
	ListUnmatchedWebhooks(ctx context.Context, limit int) ([]*models.UnmatchedWebhook, error)
}

// NewRetryRegistrationsHandler returns the handler for
// POST /api/admin/registrations/retry.
func NewRetryRegistrationsHandler(s RegistrationSweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r.URL.Query().Get("limit"), 50)
		res, err := s.RetryFailed(r.Context(), limit)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, res)
	}
}

// NewUnmatchedWebhooksHandler returns the handler for
// GET /api/admin/unmatched-webhooks.
func NewUnmatchedWebhooksHandler(l UnmatchedLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r.URL.Query().Get("limit"), 50)
		list, err := l.ListUnmatchedWebhooks(r.Context(), limit)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if list == nil {
			list = []*models.UnmatchedWebhook{}
		}
		response.JSON(w, list)
	}
}
