package submit

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tunehub/internal/cache"
	"github.com/kiranshivaraju/tunehub/internal/config"
	"github.com/kiranshivaraju/tunehub/internal/jobs"
	"github.com/kiranshivaraju/tunehub/internal/outbox"
	"github.com/kiranshivaraju/tunehub/internal/replicate"
	"github.com/kiranshivaraju/tunehub/internal/replicate/mock"
	"github.com/kiranshivaraju/tunehub/internal/storage"
	"github.com/kiranshivaraju/tunehub/internal/store"
	"github.com/kiranshivaraju/tunehub/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	sub      *Submitter
	svc      *jobs.Service
	store    *store.MemoryStore
	objects  *storage.MemoryStorage
	provider *mock.Client
}

// failingRecorder wraps a Service but fails to record the external id.
type failingRecorder struct {
	*jobs.Service
	err error
}

func (f failingRecorder) RecordExternalSubmission(context.Context, uuid.UUID, string) error {
	return f.err
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemoryStore(),
		objects:  storage.NewMemoryStorage("https://cdn.tunehub.test"),
		provider: &mock.Client{},
	}
	rehoster := storage.NewRehoster(f.objects, 5*time.Second)
	f.svc = jobs.NewService(f.store, cache.NewMemoryCache(), outbox.NewMemoryQueue(64), rehoster, nil,
		config.ProjectionConfig{StatusCacheTTL: time.Minute})
	f.sub = NewSubmitter(f.svc, f.store, f.provider, config.DefaultCatalog(), f.objects, rehoster, "https://app.tunehub.test/")
	return f
}

func (f *fixture) createTraining(t *testing.T, n int) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	in := jobs.CreateJobInput{
		Kind:       models.JobKindTraining,
		Parameters: models.InputParameters{Model: "flux-lora", TriggerWord: "TOK"},
	}
	for i := 0; i < n; i++ {
		ref := fmt.Sprintf("uploads/img-%d.jpg", i)
		_, err := f.objects.Upload(ctx, ref, strings.NewReader(fmt.Sprintf("image-%d", i)), "image/jpeg")
		require.NoError(t, err)
		in.Assets = append(in.Assets, jobs.AssetInput{Filename: fmt.Sprintf("img-%d.jpg", i), StorageRef: ref})
	}
	job, err := f.svc.CreateJob(ctx, in)
	require.NoError(t, err)
	return job.ID
}

func (f *fixture) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestSubmit_Training(t *testing.T) {
	f := newFixture(t)
	id := f.createTraining(t, 5)
	f.provider.CreateFunc = func(_ context.Context, kind models.JobKind, req replicate.CreateRequest) (*replicate.Prediction, error) {
		return &replicate.Prediction{ID: "abc123", Status: "starting"}, nil
	}

	ext, err := f.sub.Submit(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "abc123", ext)

	job := f.job(t, id)
	assert.Equal(t, models.JobStatusSubmitted, job.Status)
	require.NotNil(t, job.ExternalJobID)
	assert.Equal(t, "abc123", *job.ExternalJobID)

	require.Len(t, f.provider.Creates, 1)
	req := f.provider.Creates[0]
	assert.Equal(t, "https://app.tunehub.test/api/training-webhook", req.Webhook)
	assert.Equal(t, []string{"start", "output", "logs", "completed"}, req.WebhookEventsFilter)
	assert.Equal(t, "ostris", req.Owner)
	assert.Equal(t, "tunehub/flux-lora", req.Destination)
	assert.Equal(t, "TOK", req.Input["trigger_word"])
	assert.Equal(t, 1000, req.Input["steps"])

	archiveKey := "inputs/" + id.String() + "/images.zip"
	assert.Equal(t, "https://cdn.tunehub.test/"+archiveKey, req.Input["input_images"])

	data, ct, ok := f.objects.Bytes(archiveKey)
	require.True(t, ok)
	assert.Equal(t, "application/zip", ct)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 5)
	assert.Equal(t, "00-img-0.jpg", zr.File[0].Name)
	assert.Equal(t, "04-img-4.jpg", zr.File[4].Name)
}

func TestSubmit_Generation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.svc.CreateJob(ctx, jobs.CreateJobInput{
		Kind: models.JobKindGeneration,
		Parameters: models.InputParameters{
			Model:  "flux-dev",
			Prompt: "a TOK sunset",
			Extra:  map[string]any{"num_outputs": 2, "destination": "ignored/for-generation"},
		},
	})
	require.NoError(t, err)

	_, err = f.sub.Submit(ctx, job.ID)
	require.NoError(t, err)

	req := f.provider.Creates[0]
	assert.Equal(t, "https://app.tunehub.test/api/generation-webhook", req.Webhook)
	assert.Equal(t, "a TOK sunset", req.Input["prompt"])
	assert.EqualValues(t, 2, req.Input["num_outputs"])
	assert.Equal(t, "webp", req.Input["output_format"])
	assert.Empty(t, req.Destination)
	_, hasDest := req.Input["destination"]
	assert.False(t, hasDest)
}

func TestSubmit_ProviderFailureMarksSubmissionFailed(t *testing.T) {
	f := newFixture(t)
	id := f.createTraining(t, 1)
	f.provider.CreateFunc = func(context.Context, models.JobKind, replicate.CreateRequest) (*replicate.Prediction, error) {
		return nil, fmt.Errorf("%w: status 422: invalid destination", replicate.ErrRejected)
	}

	_, err := f.sub.Submit(context.Background(), id)
	assert.ErrorIs(t, err, jobs.ErrSubmission)

	job := f.job(t, id)
	assert.Equal(t, models.JobStatusSubmissionFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "invalid destination")
	assert.Nil(t, job.ExternalJobID)
}

func TestSubmit_UnknownModelIsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.svc.CreateJob(ctx, jobs.CreateJobInput{
		Kind:       models.JobKindGeneration,
		Parameters: models.InputParameters{Model: "flux-lora", Prompt: "x"},
	})
	require.NoError(t, err)

	_, err = f.sub.Submit(ctx, job.ID)
	assert.ErrorIs(t, err, jobs.ErrSubmission)
	assert.Equal(t, models.JobStatusInvalidInput, f.job(t, job.ID).Status)
	assert.Zero(t, f.provider.CreateCount())
}

func TestSubmit_MissingAssetObjectIsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.svc.CreateJob(ctx, jobs.CreateJobInput{
		Kind:       models.JobKindTraining,
		Parameters: models.InputParameters{Model: "flux-lora", TriggerWord: "TOK"},
		Assets:     []jobs.AssetInput{{Filename: "gone.jpg", StorageRef: "uploads/gone.jpg"}},
	})
	require.NoError(t, err)

	_, err = f.sub.Submit(ctx, job.ID)
	assert.ErrorIs(t, err, jobs.ErrSubmission)
	assert.Equal(t, models.JobStatusInvalidInput, f.job(t, job.ID).Status)
}

func TestSubmit_RecordFailureCancelsProviderJob(t *testing.T) {
	f := newFixture(t)
	id := f.createTraining(t, 1)
	f.sub.recorder = failingRecorder{Service: f.svc, err: errors.New("store unavailable")}
	f.provider.CreateFunc = func(context.Context, models.JobKind, replicate.CreateRequest) (*replicate.Prediction, error) {
		return &replicate.Prediction{ID: "orphan-1", Status: "starting"}, nil
	}
	f.provider.CancelFunc = func(context.Context, models.JobKind, string) error {
		return replicate.ErrUnreachable
	}

	_, err := f.sub.Submit(context.Background(), id)
	assert.ErrorIs(t, err, jobs.ErrSubmission)
	assert.Equal(t, []string{"orphan-1"}, f.provider.Canceled)
	assert.Equal(t, models.JobStatusSubmissionFailed, f.job(t, id).Status)
}

func TestSubmit_SkipsNonPending(t *testing.T) {
	f := newFixture(t)
	id := f.createTraining(t, 1)
	ctx := context.Background()

	_, err := f.sub.Submit(ctx, id)
	require.NoError(t, err)
	ext, err := f.sub.Submit(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, "pred-mock", ext)
	assert.Equal(t, 1, f.provider.CreateCount())
}

func TestHandleTask_PermanentOnSubmissionFailure(t *testing.T) {
	f := newFixture(t)
	id := f.createTraining(t, 1)
	f.provider.CreateFunc = func(context.Context, models.JobKind, replicate.CreateRequest) (*replicate.Prediction, error) {
		return nil, replicate.ErrUnreachable
	}

	err := f.sub.HandleTask(context.Background(), outbox.NewTask(outbox.TaskSubmitJob, id))
	assert.True(t, outbox.IsPermanent(err))

	err = f.sub.HandleTask(context.Background(), outbox.NewTask(outbox.TaskSubmitJob, uuid.New()))
	require.Error(t, err)
	assert.False(t, outbox.IsPermanent(err))
}
