package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/tunehub/internal/api/response"
	"github.com/kiranshivaraju/tunehub/internal/jobs"
	"github.com/kiranshivaraju/tunehub/internal/replicate"
	"github.com/kiranshivaraju/tunehub/internal/webhook"
	"github.com/kiranshivaraju/tunehub/pkg/models"
)

const maxWebhookBody = 4 << 20

// WebhookIngestor applies provider callbacks.
type WebhookIngestor interface {
	Ingest(ctx context.Context, kind models.JobKind, h http.Header, body []byte) (webhook.Result, error)
}

type webhookResponse struct {
	Received      bool   `json:"received"`
	ExternalJobID string `json:"external_job_id"`
	Outcome       string `json:"outcome"`
}

// NewWebhookHandler returns the callback endpoint for one job kind. Callbacks
// naming an unknown job are still answered 200.
func NewWebhookHandler(ing WebhookIngestor, kind models.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Could not read body", nil)
			return
		}

		res, err := ing.Ingest(r.Context(), kind, r.Header, body)
		switch {
		case errors.Is(err, replicate.ErrInvalidSignature):
			response.Error(w, http.StatusUnauthorized, response.CodeInvalidSignature, "Webhook signature verification failed", nil)
			return
		case errors.Is(err, replicate.ErrMalformedPayload):
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, err.Error(), nil)
			return
		case errors.Is(err, jobs.ErrKindMismatch):
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Callback does not match this route's job kind", nil)
			return
		case err != nil:
			slog.Error("webhook processing failed", "kind", kind, "error", err)
			response.Internal(w, "Webhook processing failed")
			return
		}

		response.JSON(w, webhookResponse{
			Received:      true,
			ExternalJobID: res.ExternalJobID,
			Outcome:       res.Outcome.String(),
		})
	}
}
