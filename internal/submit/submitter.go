// Package submit hands pending jobs to the external compute provider.
package submit

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tunehub/internal/config"
	"github.com/kiranshivaraju/tunehub/internal/jobs"
	"github.com/kiranshivaraju/tunehub/internal/outbox"
	"github.com/kiranshivaraju/tunehub/internal/replicate"
	"github.com/kiranshivaraju/tunehub/internal/storage"
	"github.com/kiranshivaraju/tunehub/internal/store"
	"github.com/kiranshivaraju/tunehub/pkg/models"
)

// JobRecorder records the outcome of a submission.
type JobRecorder interface {
	RecordExternalSubmission(ctx context.Context, id uuid.UUID, externalJobID string) error
	MarkSubmissionFailed(ctx context.Context, id uuid.UUID, msg string) error
	MarkInvalidInput(ctx context.Context, id uuid.UUID, msg string) error
}

// AssetFetcher opens an uploaded input by its storage reference.
type AssetFetcher interface {
	Fetch(ctx context.Context, ref string) (io.ReadCloser, string, error)
}

// Submitter translates a pending job into a provider request.
type Submitter struct {
	recorder JobRecorder
	store    store.Store
	client   replicate.Client
	catalog  *config.ModelCatalog
	storage  storage.ObjectStorage
	fetcher  AssetFetcher
	baseURL  string
}

func NewSubmitter(rec JobRecorder, st store.Store, client replicate.Client, catalog *config.ModelCatalog,
	objects storage.ObjectStorage, fetcher AssetFetcher, baseURL string) *Submitter {
	return &Submitter{
		recorder: rec,
		store:    st,
		client:   client,
		catalog:  catalog,
		storage:  objects,
		fetcher:  fetcher,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

// WebhookURL is the callback the provider posts status changes for kind to.
func (s *Submitter) WebhookURL(kind models.JobKind) string {
	return fmt.Sprintf("%s/api/%s-webhook", s.baseURL, kind)
}

// Submit sends the job to the provider and records the external id. Jobs
// that are no longer pending are skipped, so redelivered tasks are harmless.
//
// Errors wrapping jobs.ErrSubmission mean the job has already been moved to a
// terminal state; other errors are transient store failures worth retrying.
func (s *Submitter) Submit(ctx context.Context, id uuid.UUID) (string, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return "", fmt.Errorf("loading job: %w", err)
	}
	logger := slog.With("job_id", job.ID, "kind", job.Kind)

	if job.Status != models.JobStatusPending {
		logger.Info("skipping submission, job not pending", "status", job.Status)
		if job.ExternalJobID != nil {
			return *job.ExternalJobID, nil
		}
		return "", nil
	}

	req, err := s.buildRequest(ctx, job)
	if err != nil {
		var ve *jobs.ValidationError
		if errors.As(err, &ve) || errors.Is(err, storage.ErrNotFound) {
			return "", s.reject(ctx, job.ID, models.JobStatusInvalidInput, err)
		}
		return "", s.reject(ctx, job.ID, models.JobStatusSubmissionFailed, err)
	}

	pred, err := s.client.Create(ctx, job.Kind, req)
	if err != nil {
		logger.Warn("provider rejected submission", "error", err)
		return "", s.reject(ctx, job.ID, models.JobStatusSubmissionFailed, err)
	}
	logger = logger.With("external_job_id", pred.ID)

	if err := s.recorder.RecordExternalSubmission(ctx, job.ID, pred.ID); err != nil {
		logger.Error("recording submission failed, cancelling provider job", "error", err)
		if cErr := s.client.Cancel(ctx, job.Kind, pred.ID); cErr != nil {
			logger.Warn("best-effort cancel failed", "error", cErr)
		}
		if mErr := s.recorder.MarkSubmissionFailed(ctx, job.ID, fmt.Sprintf("recording submission: %v", err)); mErr != nil {
			logger.Warn("marking submission failed did not apply", "error", mErr)
		}
		return "", fmt.Errorf("%w: recording external id: %v", jobs.ErrSubmission, err)
	}

	logger.Info("job handed to provider")
	return pred.ID, nil
}

// HandleTask adapts Submit to the outbox.
func (s *Submitter) HandleTask(ctx context.Context, task outbox.Task) error {
	_, err := s.Submit(ctx, task.SubjectID)
	if errors.Is(err, jobs.ErrSubmission) {
		return outbox.Permanent(err)
	}
	return err
}

func (s *Submitter) reject(ctx context.Context, id uuid.UUID, status models.JobStatus, cause error) error {
	mark := s.recorder.MarkSubmissionFailed
	if status == models.JobStatusInvalidInput {
		mark = s.recorder.MarkInvalidInput
	}
	if err := mark(ctx, id, cause.Error()); err != nil {
		return fmt.Errorf("marking %s: %w", status, err)
	}
	return fmt.Errorf("%w: %v", jobs.ErrSubmission, cause)
}

func (s *Submitter) buildRequest(ctx context.Context, job *models.Job) (replicate.CreateRequest, error) {
	params, err := job.Params()
	if err != nil {
		return replicate.CreateRequest{}, &jobs.ValidationError{Field: "input_parameters", Message: err.Error()}
	}

	entry, ok := s.catalog.Lookup(params.Model, string(job.Kind))
	if !ok {
		return replicate.CreateRequest{}, &jobs.ValidationError{
			Field:   "model",
			Message: fmt.Sprintf("%q is not a known %s model", params.Model, job.Kind),
		}
	}

	input := make(map[string]any, len(entry.Defaults)+len(params.Extra)+2)
	for k, v := range entry.Defaults {
		input[k] = v
	}
	destination := entry.Destination
	for k, v := range params.Extra {
		if k == "destination" {
			if d, ok := v.(string); ok && d != "" {
				destination = d
			}
			continue
		}
		input[k] = v
	}

	switch job.Kind {
	case models.JobKindTraining:
		if destination == "" {
			return replicate.CreateRequest{}, &jobs.ValidationError{Field: "destination", Message: "no training destination configured"}
		}
		archive := params.InputImagesURL
		if archive == "" {
			archive, err = s.packAssets(ctx, job.ID)
			if err != nil {
				return replicate.CreateRequest{}, err
			}
		}
		input["input_images"] = archive
		input["trigger_word"] = params.TriggerWord
	case models.JobKindGeneration:
		input["prompt"] = params.Prompt
		if params.InputImagesURL != "" {
			input["image"] = params.InputImagesURL
		}
		destination = ""
	}

	return replicate.CreateRequest{
		Owner:               entry.Owner,
		Name:                entry.Name,
		Version:             entry.Version,
		Destination:         destination,
		Input:               input,
		Webhook:             s.WebhookURL(job.Kind),
		WebhookEventsFilter: replicate.DefaultEventsFilter,
	}, nil
}

// packAssets zips the job's uploaded images in display order and stores the
// archive, returning its public URL.
func (s *Submitter) packAssets(ctx context.Context, jobID uuid.UUID) (string, error) {
	assets, err := s.store.ListTrainingAssets(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("listing training assets: %w", err)
	}
	if len(assets) == 0 {
		return "", &jobs.ValidationError{Field: "input_images", Message: "job has no training assets"}
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, a := range assets {
		name := path.Base(a.OriginalFilename)
		if name == "." || name == "/" || name == "" {
			name = path.Base(a.StorageRef)
		}
		w, err := zw.Create(fmt.Sprintf("%02d-%s", i, name))
		if err != nil {
			return "", fmt.Errorf("adding %s to archive: %w", name, err)
		}
		if err := s.copyAsset(ctx, w, a.StorageRef); err != nil {
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("closing archive: %w", err)
	}

	obj, err := s.storage.Upload(ctx, fmt.Sprintf("inputs/%s/images.zip", jobID), &buf, "application/zip")
	if err != nil {
		return "", fmt.Errorf("uploading archive: %w", err)
	}
	return obj.PublicURL, nil
}

func (s *Submitter) copyAsset(ctx context.Context, w io.Writer, ref string) error {
	rc, _, err := s.fetcher.Fetch(ctx, ref)
	if err != nil {
		return fmt.Errorf("reading asset %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("reading asset %s: %w", ref, err)
	}
	return nil
}
