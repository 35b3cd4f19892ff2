package jobs

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tunehub/pkg/models"
)

// JobView is the client-facing projection of a job.
type JobView struct {
	*models.Job
	// StillWaiting is set once a running job has exceeded its expected
	// completion window. It is informational; nothing is cancelled.
	StillWaiting bool                    `json:"still_waiting"`
	Assets       []*models.TrainingAsset `json:"training_assets,omitempty"`
}

// GetJob returns the job's current state. A running job that has not changed
// for longer than the stale threshold is refreshed from the provider first,
// covering delayed or lost callbacks.
func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*JobView, error) {
	job, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.shouldPoll(job) {
		if refreshed, ok := s.poll(ctx, job); ok {
			job = refreshed
		}
	}

	view := &JobView{Job: job, StillWaiting: s.stillWaiting(job)}
	if job.Kind == models.JobKindTraining {
		assets, err := s.store.ListTrainingAssets(ctx, job.ID)
		if err != nil {
			slog.Warn("listing training assets failed", "job_id", job.ID, "error", err)
		} else {
			view.Assets = assets
		}
	}
	return view, nil
}

// GetStatus serves the cached status when present and falls back to the store.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (models.JobStatus, error) {
	if s.cache != nil {
		if status, ok, err := s.cache.GetJobStatus(ctx, id); err == nil && ok {
			return status, nil
		}
	}
	job, err := s.load(ctx, id)
	if err != nil {
		return "", err
	}
	s.cacheStatus(ctx, id, job.Status)
	return job.Status, nil
}

func (s *Service) shouldPoll(job *models.Job) bool {
	return s.fetcher != nil &&
		s.cfg.StaleAfter > 0 &&
		!job.Status.IsTerminal() &&
		job.ExternalJobID != nil &&
		s.now().Sub(job.UpdatedAt) > s.cfg.StaleAfter
}

func (s *Service) poll(ctx context.Context, job *models.Job) (*models.Job, bool) {
	logger := slog.With("job_id", job.ID, "external_job_id", *job.ExternalJobID)

	pred, err := s.fetcher.Get(ctx, job.Kind, *job.ExternalJobID)
	if err != nil {
		logger.Warn("polling provider failed", "error", err)
		return nil, false
	}
	outcome, err := s.ApplyWebhookEvent(ctx, *job.ExternalJobID, pred.Event())
	if err != nil {
		logger.Warn("applying polled status failed", "error", err)
		return nil, false
	}
	logger.Info("polled provider status", "provider_status", pred.Status, "outcome", outcome.String())

	refreshed, err := s.load(ctx, job.ID)
	if err != nil {
		return nil, false
	}
	return refreshed, true
}

func (s *Service) stillWaiting(job *models.Job) bool {
	if job.Status.IsTerminal() || job.Status == models.JobStatusPending || s.cfg.ExpectedWithin <= 0 {
		return false
	}
	since := job.CreatedAt
	if job.SubmittedAt != nil {
		since = *job.SubmittedAt
	}
	return s.now().Sub(since) > s.cfg.ExpectedWithin
}
