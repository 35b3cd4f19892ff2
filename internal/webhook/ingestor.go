// Package webhook turns provider callbacks into job state changes.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tunehub/internal/jobs"
	"github.com/kiranshivaraju/tunehub/internal/replicate"
	"github.com/kiranshivaraju/tunehub/pkg/models"
)

// deliveryTTL outlives the provider's signature tolerance window.
const deliveryTTL = 2 * replicate.SignatureTolerance

// EventApplier applies a decoded event to the job it names, provided the job
// is of the given kind.
type EventApplier interface {
	ApplyCallback(ctx context.Context, kind models.JobKind, externalJobID string, ev replicate.Event) (jobs.Outcome, error)
}

// DeadLetter parks callbacks that matched no job.
type DeadLetter interface {
	RecordUnmatchedWebhook(ctx context.Context, w *models.UnmatchedWebhook) error
}

// DeliveryClaims remembers which signed deliveries were already handled.
type DeliveryClaims interface {
	ClaimDelivery(ctx context.Context, deliveryID string, ttl time.Duration) (bool, error)
	ReleaseDelivery(ctx context.Context, deliveryID string) error
}

// Result summarises one ingested callback.
type Result struct {
	ExternalJobID string       `json:"external_job_id"`
	Status        string       `json:"status"`
	Outcome       jobs.Outcome `json:"-"`
	Duplicate     bool         `json:"duplicate,omitempty"`
}

// Ingestor validates and applies provider callbacks. Verification is skipped
// when no verifier is configured.
type Ingestor struct {
	applier    EventApplier
	deadLetter DeadLetter
	verifier   *replicate.Verifier
	claims     DeliveryClaims
	now        func() time.Time
}

func NewIngestor(applier EventApplier, dl DeadLetter, verifier *replicate.Verifier, claims DeliveryClaims) *Ingestor {
	return &Ingestor{
		applier:    applier,
		deadLetter: dl,
		verifier:   verifier,
		claims:     claims,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Ingest processes one callback body for the given job kind.
//
// Returned errors: replicate.ErrInvalidSignature for a bad signature,
// replicate.ErrMalformedPayload (also matching jobs.ErrWebhookMapping) for a
// body without an id, jobs.ErrKindMismatch for a callback naming a job of the
// other kind. All three leave state untouched. An unknown external id is not
// an error.
func (i *Ingestor) Ingest(ctx context.Context, kind models.JobKind, h http.Header, body []byte) (Result, error) {
	var deliveryID string
	if i.verifier != nil {
		id, err := i.verifier.Verify(h, body)
		if err != nil {
			return Result{}, err
		}
		deliveryID = id
	}

	ev, pred, err := replicate.ParseWebhook(body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", jobs.ErrWebhookMapping, err)
	}
	res := Result{ExternalJobID: ev.ExternalID(), Status: pred.Status}
	logger := slog.With("external_job_id", res.ExternalJobID, "kind", kind, "provider_status", pred.Status)

	if deliveryID != "" && !i.claim(ctx, deliveryID) {
		logger.Info("duplicate webhook delivery", "webhook_id", deliveryID)
		res.Outcome = jobs.OutcomeLogsOnly
		res.Duplicate = true
		return res, nil
	}

	outcome, err := i.applier.ApplyCallback(ctx, kind, res.ExternalJobID, ev)
	if err != nil {
		i.release(ctx, deliveryID)
		if errors.Is(err, jobs.ErrKindMismatch) {
			logger.Warn("webhook posted to the wrong route", "error", err)
		}
		return res, fmt.Errorf("applying webhook: %w", err)
	}
	res.Outcome = outcome

	switch outcome {
	case jobs.OutcomeUnmatched:
		logger.Warn("webhook for unknown job, parking")
		i.park(ctx, kind, res, body)
	case jobs.OutcomeIgnored:
		logger.Warn("webhook status not recognised")
	default:
		logger.Info("webhook applied", "outcome", outcome.String())
	}
	return res, nil
}

func (i *Ingestor) park(ctx context.Context, kind models.JobKind, res Result, body []byte) {
	if i.deadLetter == nil {
		return
	}
	err := i.deadLetter.RecordUnmatchedWebhook(ctx, &models.UnmatchedWebhook{
		ID:            uuid.New(),
		Kind:          kind,
		ExternalJobID: res.ExternalJobID,
		Status:        res.Status,
		Payload:       append([]byte(nil), body...),
		ReceivedAt:    i.now(),
	})
	if err != nil {
		slog.Error("recording unmatched webhook failed", "external_job_id", res.ExternalJobID, "error", err)
	}
}

// claim reports whether this is the first sighting of deliveryID. Cache
// errors count as a first sighting; applying an event twice is harmless.
func (i *Ingestor) claim(ctx context.Context, deliveryID string) bool {
	if i.claims == nil {
		return true
	}
	first, err := i.claims.ClaimDelivery(ctx, deliveryID, deliveryTTL)
	if err != nil {
		slog.Warn("claiming webhook delivery failed", "webhook_id", deliveryID, "error", err)
		return true
	}
	return first
}

// release lets the provider's retry of a failed delivery through.
func (i *Ingestor) release(ctx context.Context, deliveryID string) {
	if i.claims == nil || deliveryID == "" {
		return
	}
	if err := i.claims.ReleaseDelivery(ctx, deliveryID); err != nil {
		slog.Warn("releasing webhook delivery failed", "webhook_id", deliveryID, "error", err)
	}
}

// IsClientError reports whether err should be answered with a 4xx.
func IsClientError(err error) bool {
	return errors.Is(err, replicate.ErrMalformedPayload) ||
		errors.Is(err, replicate.ErrInvalidSignature) ||
		errors.Is(err, jobs.ErrKindMismatch)
}
