package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tunehub/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrStaleTransition is returned when a conditional update matched no row
// because the record's current state no longer allows it.
var ErrStaleTransition = errors.New("record state does not allow this update")

// Store is the data access interface. All database operations go through here.
// Every mutation is keyed by a single primary id or external job id.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetJobByExternalID(ctx context.Context, externalJobID string) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)

	// RecordSubmission links a pending job to its external job id and moves it
	// to submitted. Returns ErrDuplicateKey if another job already claims the id.
	RecordSubmission(ctx context.Context, id uuid.UUID, externalJobID string) error
	// TransitionJob moves a job to status only if its current status is a legal
	// predecessor. Returns ErrStaleTransition otherwise.
	TransitionJob(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error
	// UpdateOutputArtifact replaces the artifact reference of a succeeded job,
	// used once the provider output has been re-hosted.
	UpdateOutputArtifact(ctx context.Context, id uuid.UUID, ref string) error
	AppendJobLogs(ctx context.Context, id uuid.UUID, logs string) error
	SetJobHidden(ctx context.Context, id uuid.UUID, hidden bool) error

	// UpdateJobRegistration replaces the job's registration sub-record. A
	// registered status is only accepted for succeeded jobs.
	UpdateJobRegistration(ctx context.Context, id uuid.UUID, reg models.Registration) error
	ListJobsNeedingRegistration(ctx context.Context, filter RegistrationFilter) ([]*models.Job, error)

	CreateTrainingAssets(ctx context.Context, assets []*models.TrainingAsset) error
	GetTrainingAsset(ctx context.Context, id uuid.UUID) (*models.TrainingAsset, error)
	ListTrainingAssets(ctx context.Context, jobID uuid.UUID) ([]*models.TrainingAsset, error)
	UpdateAssetRegistration(ctx context.Context, id uuid.UUID, reg models.Registration) error

	RecordUnmatchedWebhook(ctx context.Context, w *models.UnmatchedWebhook) error
	ListUnmatchedWebhooks(ctx context.Context, limit int) ([]*models.UnmatchedWebhook, error)
}

type JobFilter struct {
	Kind          models.JobKind
	Status        models.JobStatus
	IncludeHidden bool
	Page          int
	Limit         int
}

// RegistrationFilter selects succeeded jobs whose registration is failed, or
// still pending after completing before PendingBefore.
type RegistrationFilter struct {
	PendingBefore time.Time
	Limit         int
}

type jobUpdateParams struct {
	ErrorMessage      *string
	OutputArtifactRef *string
	ProviderOutputURL *string
	ProviderOutputs   []string
	PredictTime       *float64
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

// WithOutputArtifact records the permanent artifact reference and the URL the
// provider originally returned.
func WithOutputArtifact(ref, providerURL string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.OutputArtifactRef = &ref
		if providerURL != "" {
			p.ProviderOutputURL = &providerURL
		}
	}
}

// WithProviderOutputs records the full list of provider outputs.
func WithProviderOutputs(urls []string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ProviderOutputs = append([]string(nil), urls...)
	}
}

func WithPredictTime(secs float64) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.PredictTime = &secs
	}
}

func applyJobUpdateOptions(opts []JobUpdateOption) *jobUpdateParams {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	return params
}

// NormalizePage applies the listing defaults: page from 1, limit 20, at most
// 100 per page.
func NormalizePage(page, limit int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}
	return page, limit
}
