// Package jobs owns the job lifecycle: creation, state transitions driven by
// provider callbacks, and the read projection served to clients.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tunehub/internal/cache"
	"github.com/kiranshivaraju/tunehub/internal/config"
	"github.com/kiranshivaraju/tunehub/internal/outbox"
	"github.com/kiranshivaraju/tunehub/internal/replicate"
	"github.com/kiranshivaraju/tunehub/internal/storage"
	"github.com/kiranshivaraju/tunehub/internal/store"
	"github.com/kiranshivaraju/tunehub/pkg/models"
)

// Rehoster copies a provider output into the application's own storage.
type Rehoster interface {
	Rehost(ctx context.Context, jobID uuid.UUID, sourceURL string) (storage.Object, error)
}

// StatusFetcher reads a job's current state directly from the provider.
type StatusFetcher interface {
	Get(ctx context.Context, kind models.JobKind, id string) (*replicate.Prediction, error)
}

// Outcome describes what ApplyWebhookEvent did with an event.
type Outcome int

const (
	// OutcomeApplied means the job moved to a new status.
	OutcomeApplied Outcome = iota
	// OutcomeLogsOnly means the event could not move the job (terminal, duplicate
	// or out of order); only its logs were merged.
	OutcomeLogsOnly
	// OutcomeIgnored means the status was not recognised.
	OutcomeIgnored
	// OutcomeUnmatched means no job carries the external id.
	OutcomeUnmatched
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeLogsOnly:
		return "logs_only"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeUnmatched:
		return "unmatched"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Service is the Job Store service. All state changes funnel through the
// store's conditional updates, so concurrent callers never move a job
// backwards.
type Service struct {
	store    store.Store
	cache    cache.Cache
	outbox   outbox.Enqueuer
	rehoster Rehoster
	fetcher  StatusFetcher
	cfg      config.ProjectionConfig
	now      func() time.Time
}

// NewService creates a Service. fetcher may be nil to disable the polling
// fallback.
func NewService(st store.Store, ca cache.Cache, ob outbox.Enqueuer, rh Rehoster, fetcher StatusFetcher, cfg config.ProjectionConfig) *Service {
	return &Service{
		store:    st,
		cache:    ca,
		outbox:   ob,
		rehoster: rh,
		fetcher:  fetcher,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AssetInput is one uploaded training file already placed in storage.
type AssetInput struct {
	Filename   string `json:"filename"`
	StorageRef string `json:"storage_ref"`
}

// CreateJobInput is a validated-on-create job request.
type CreateJobInput struct {
	Kind             models.JobKind         `json:"kind"`
	Parameters       models.InputParameters `json:"input_parameters"`
	ParentReferences []string               `json:"parent_references"`
	Assets           []AssetInput           `json:"assets"`
	// RegisterAssets queues each asset for registration as a root IP asset.
	RegisterAssets bool `json:"register_assets"`
}

func (in CreateJobInput) validate() error {
	if !in.Kind.Valid() {
		return invalid("kind", "must be one of training, generation")
	}
	p := in.Parameters
	if strings.TrimSpace(p.Model) == "" {
		return invalid("model", "is required")
	}
	switch in.Kind {
	case models.JobKindTraining:
		if strings.TrimSpace(p.TriggerWord) == "" {
			return invalid("trigger_word", "is required for training jobs")
		}
		if len(in.Assets) == 0 && strings.TrimSpace(p.InputImagesURL) == "" {
			return invalid("input_images", "at least one input asset or an archive URL is required")
		}
	case models.JobKindGeneration:
		if strings.TrimSpace(p.Prompt) == "" {
			return invalid("prompt", "is required for generation jobs")
		}
	}
	for i, a := range in.Assets {
		if strings.TrimSpace(a.StorageRef) == "" {
			return invalid(fmt.Sprintf("assets[%d].storage_ref", i), "is required")
		}
	}
	for i, ref := range in.ParentReferences {
		if strings.TrimSpace(ref) == "" {
			return invalid(fmt.Sprintf("parent_references[%d]", i), "must not be empty")
		}
	}
	return nil
}

// CreateJob validates the request, inserts a pending job with its assets and
// queues the provider submission. The job row exists before the provider is
// contacted, so an early callback always finds it.
func (s *Service) CreateJob(ctx context.Context, in CreateJobInput) (*models.Job, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	params, err := json.Marshal(in.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encoding input parameters: %w", err)
	}
	parents := in.ParentReferences
	if parents == nil {
		parents = []string{}
	}

	now := s.now()
	job := &models.Job{
		ID:               uuid.New(),
		Kind:             in.Kind,
		Status:           models.JobStatusPending,
		InputParameters:  params,
		ParentReferences: parents,
		Registration:     models.Registration{Status: models.RegistrationPending},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	logger := slog.With("job_id", job.ID, "kind", job.Kind)

	assets := make([]*models.TrainingAsset, 0, len(in.Assets))
	for i, a := range in.Assets {
		assets = append(assets, &models.TrainingAsset{
			ID:               uuid.New(),
			JobID:            job.ID,
			OriginalFilename: a.Filename,
			StorageRef:       a.StorageRef,
			DisplayOrder:     i,
			Registration:     models.Registration{Status: models.RegistrationPending},
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	if len(assets) > 0 {
		if err := s.store.CreateTrainingAssets(ctx, assets); err != nil {
			logger.Error("storing training assets failed", "error", err)
			return s.failSubmission(ctx, job.ID, fmt.Sprintf("storing training assets: %v", err))
		}
	}

	s.cacheStatus(ctx, job.ID, models.JobStatusPending)

	if err := s.outbox.Enqueue(ctx, outbox.NewTask(outbox.TaskSubmitJob, job.ID)); err != nil {
		logger.Error("queueing submission failed", "error", err)
		return s.failSubmission(ctx, job.ID, fmt.Sprintf("queueing submission: %v", err))
	}

	if in.RegisterAssets {
		for _, a := range assets {
			if err := s.outbox.Enqueue(ctx, outbox.NewTask(outbox.TaskRegisterAsset, a.ID)); err != nil {
				logger.Warn("queueing asset registration failed", "asset_id", a.ID, "error", err)
			}
		}
	}

	logger.Info("job created", "assets", len(assets))
	return job, nil
}

func (s *Service) failSubmission(ctx context.Context, id uuid.UUID, msg string) (*models.Job, error) {
	if err := s.MarkSubmissionFailed(ctx, id, msg); err != nil {
		return nil, err
	}
	return s.load(ctx, id)
}

// RecordExternalSubmission links the job to the provider's id and moves it to
// submitted. A second job claiming the same external id fails with ErrConflict
// and leaves the first linkage untouched.
func (s *Service) RecordExternalSubmission(ctx context.Context, id uuid.UUID, externalJobID string) error {
	if strings.TrimSpace(externalJobID) == "" {
		return invalid("external_job_id", "is required")
	}
	if err := s.store.RecordSubmission(ctx, id, externalJobID); err != nil {
		return mapStoreError(err)
	}
	s.cacheStatus(ctx, id, models.JobStatusSubmitted)
	slog.Info("job submitted", "job_id", id, "external_job_id", externalJobID)
	return nil
}

// MarkSubmissionFailed moves a pending or submitted job to submission_failed.
func (s *Service) MarkSubmissionFailed(ctx context.Context, id uuid.UUID, msg string) error {
	return s.fail(ctx, id, models.JobStatusSubmissionFailed, msg)
}

// MarkInvalidInput moves a pending or submitted job to invalid_input.
func (s *Service) MarkInvalidInput(ctx context.Context, id uuid.UUID, msg string) error {
	return s.fail(ctx, id, models.JobStatusInvalidInput, msg)
}

func (s *Service) fail(ctx context.Context, id uuid.UUID, status models.JobStatus, msg string) error {
	if err := s.store.TransitionJob(ctx, id, status, store.WithErrorMessage(msg)); err != nil {
		return mapStoreError(err)
	}
	s.cacheStatus(ctx, id, status)
	slog.Warn("job failed before running", "job_id", id, "status", status, "error", msg)
	return nil
}

// ApplyWebhookEvent applies a provider status change to the job it names.
// Logs are merged for every matched job; the status only ever moves forward,
// and only the caller that wins a transition performs its side effects.
func (s *Service) ApplyWebhookEvent(ctx context.Context, externalJobID string, ev replicate.Event) (Outcome, error) {
	return s.applyEvent(ctx, "", externalJobID, ev)
}

// ApplyCallback is ApplyWebhookEvent for a callback received on the route of
// one job kind. A job of another kind is left untouched and ErrKindMismatch
// is returned.
func (s *Service) ApplyCallback(ctx context.Context, kind models.JobKind, externalJobID string, ev replicate.Event) (Outcome, error) {
	return s.applyEvent(ctx, kind, externalJobID, ev)
}

func (s *Service) applyEvent(ctx context.Context, kind models.JobKind, externalJobID string, ev replicate.Event) (Outcome, error) {
	job, err := s.store.GetJobByExternalID(ctx, externalJobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return OutcomeUnmatched, nil
		}
		return 0, fmt.Errorf("loading job: %w", err)
	}
	if kind != "" && job.Kind != kind {
		return 0, fmt.Errorf("%w: %s callback for %s job %s", ErrKindMismatch, kind, job.Kind, job.ID)
	}
	logger := slog.With("job_id", job.ID, "external_job_id", externalJobID)

	if logs := ev.Logs(); logs != "" {
		if err := s.store.AppendJobLogs(ctx, job.ID, logs); err != nil {
			return 0, fmt.Errorf("appending logs: %w", err)
		}
	}

	var target models.JobStatus
	var opts []store.JobUpdateOption
	var succeeded *replicate.Succeeded

	switch e := ev.(type) {
	case replicate.Starting:
		target = models.JobStatusStarting
	case replicate.Processing:
		target = models.JobStatusProcessing
	case replicate.Succeeded:
		target = models.JobStatusSucceeded
		succeeded = &e
		ref := externalJobID
		var providerURL string
		if len(e.Outputs) > 0 {
			providerURL = e.Outputs[0]
			ref = providerURL
		}
		opts = append(opts, store.WithOutputArtifact(ref, providerURL))
		if len(e.Outputs) > 0 {
			opts = append(opts, store.WithProviderOutputs(e.Outputs))
		}
		if e.PredictTime != nil {
			opts = append(opts, store.WithPredictTime(*e.PredictTime))
		}
	case replicate.Failed:
		target = models.JobStatusFailed
		opts = append(opts, store.WithErrorMessage(e.Error))
	case replicate.Unknown:
		logger.Warn("ignoring unrecognized provider status", "provider_status", e.Status)
		return OutcomeIgnored, nil
	default:
		return OutcomeIgnored, fmt.Errorf("%w: %T", ErrWebhookMapping, ev)
	}

	if !models.CanTransition(job.Status, target) {
		logger.Info("status change not applicable, logs only", "status", job.Status, "event_status", target)
		return OutcomeLogsOnly, nil
	}

	if err := s.store.TransitionJob(ctx, job.ID, target, opts...); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			logger.Info("lost transition race, logs only", "event_status", target)
			return OutcomeLogsOnly, nil
		}
		return 0, fmt.Errorf("transitioning job: %w", err)
	}
	s.cacheStatus(ctx, job.ID, target)
	logger.Info("job status changed", "from", job.Status, "status", target)

	if succeeded != nil {
		s.afterSuccess(ctx, job.ID, succeeded)
	}
	return OutcomeApplied, nil
}

// afterSuccess queues re-hosting when there is an output URL to copy and
// registration otherwise. Queue failures are logged; the registration sweep
// picks up anything left pending.
func (s *Service) afterSuccess(ctx context.Context, id uuid.UUID, ev *replicate.Succeeded) {
	task := outbox.NewTask(outbox.TaskRegisterDerivative, id)
	if len(ev.Outputs) > 0 {
		task = outbox.NewTask(outbox.TaskRehostOutput, id)
	}
	if err := s.outbox.Enqueue(ctx, task); err != nil {
		slog.Error("queueing post-success task failed", "job_id", id, "task_type", task.Type, "error", err)
	}
}

// RehostOutput copies a succeeded job's provider output into storage and
// points the job at the copy, then queues derivative registration. If the
// copy fails the provider URL stays as the artifact reference.
func (s *Service) RehostOutput(ctx context.Context, id uuid.UUID) error {
	job, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusSucceeded {
		return fmt.Errorf("%w: job is %s", ErrInvalidTransition, job.Status)
	}
	logger := slog.With("job_id", id)

	alreadyCopied := job.ProviderOutputURL == nil ||
		(job.OutputArtifactRef != nil && *job.OutputArtifactRef != *job.ProviderOutputURL)
	if !alreadyCopied {
		obj, err := s.rehoster.Rehost(ctx, id, *job.ProviderOutputURL)
		switch {
		case err != nil:
			logger.Warn("re-hosting output failed, keeping provider URL", "error", err)
		default:
			if err := s.store.UpdateOutputArtifact(ctx, id, obj.PublicURL); err != nil {
				return fmt.Errorf("recording re-hosted artifact: %w", err)
			}
			logger.Info("output re-hosted", "artifact", obj.PublicURL)
		}
	}

	if err := s.outbox.Enqueue(ctx, outbox.NewTask(outbox.TaskRegisterDerivative, id)); err != nil {
		return fmt.Errorf("queueing registration: %w", err)
	}
	return nil
}

// HandleRehostTask is the outbox handler for rehost_output tasks.
func (s *Service) HandleRehostTask(ctx context.Context, task outbox.Task) error {
	err := s.RehostOutput(ctx, task.SubjectID)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
		return outbox.Permanent(err)
	}
	return err
}

// HideJob excludes the job from default listings without touching its status.
func (s *Service) HideJob(ctx context.Context, id uuid.UUID) error {
	return mapStoreError(s.store.SetJobHidden(ctx, id, true))
}

func (s *Service) UnhideJob(ctx context.Context, id uuid.UUID) error {
	return mapStoreError(s.store.SetJobHidden(ctx, id, false))
}

// ListJobs returns a page of jobs and the total match count.
func (s *Service) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	jobs, total, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, total, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return job, nil
}

func (s *Service) cacheStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJobStatus(ctx, id, status, s.cfg.StatusCacheTTL); err != nil {
		slog.Warn("caching job status failed", "job_id", id, "error", err)
	}
}

func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrDuplicateKey):
		return ErrConflict
	case errors.Is(err, store.ErrStaleTransition):
		return ErrInvalidTransition
	default:
		return err
	}
}
