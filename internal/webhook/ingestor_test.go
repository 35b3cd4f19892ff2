package webhook

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tunehub/internal/cache"
	"github.com/kiranshivaraju/tunehub/internal/config"
	"github.com/kiranshivaraju/tunehub/internal/jobs"
	"github.com/kiranshivaraju/tunehub/internal/outbox"
	"github.com/kiranshivaraju/tunehub/internal/replicate"
	"github.com/kiranshivaraju/tunehub/internal/storage"
	"github.com/kiranshivaraju/tunehub/internal/store"
	"github.com/kiranshivaraju/tunehub/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ing   *Ingestor
	svc   *jobs.Service
	store *store.MemoryStore
	cache *cache.MemoryCache
}

func newFixture(t *testing.T, verifier *replicate.Verifier) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemoryStore(), cache: cache.NewMemoryCache()}
	objects := storage.NewMemoryStorage("")
	f.svc = jobs.NewService(f.store, f.cache, outbox.NewMemoryQueue(64), storage.NewRehoster(objects, time.Second), nil,
		config.ProjectionConfig{StatusCacheTTL: time.Minute})
	f.ing = NewIngestor(f.svc, f.store, verifier, f.cache)
	return f
}

func (f *fixture) submitted(t *testing.T, externalID string) *models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.svc.CreateJob(ctx, jobs.CreateJobInput{
		Kind:       models.JobKindGeneration,
		Parameters: models.InputParameters{Model: "flux-dev", Prompt: "a cat"},
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.RecordExternalSubmission(ctx, job.ID, externalID))
	return job
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestIngest_AppliesStatus(t *testing.T) {
	f := newFixture(t, nil)
	job := f.submitted(t, "abc123")

	res, err := f.ing.Ingest(context.Background(), models.JobKindGeneration, http.Header{},
		[]byte(`{"id":"abc123","status":"processing","logs":"50%"}`))
	require.NoError(t, err)
	assert.Equal(t, jobs.OutcomeApplied, res.Outcome)
	assert.Equal(t, "abc123", res.ExternalJobID)

	got := f.get(t, job.ID)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, "50%", got.Logs)
}

func TestIngest_MissingIDRejected(t *testing.T) {
	f := newFixture(t, nil)
	job := f.submitted(t, "abc123")

	_, err := f.ing.Ingest(context.Background(), models.JobKindGeneration, http.Header{},
		[]byte(`{"status":"succeeded","output":"https://provider/x.png"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, replicate.ErrMalformedPayload)
	assert.ErrorIs(t, err, jobs.ErrWebhookMapping)
	assert.True(t, IsClientError(err))
	assert.Equal(t, models.JobStatusSubmitted, f.get(t, job.ID).Status)
}

func TestIngest_UnknownJobParked(t *testing.T) {
	f := newFixture(t, nil)
	job := f.submitted(t, "abc123")
	body := []byte(`{"id":"zzz","status":"succeeded","output":"https://provider/z.png"}`)

	res, err := f.ing.Ingest(context.Background(), models.JobKindTraining, http.Header{}, body)
	require.NoError(t, err)
	assert.Equal(t, jobs.OutcomeUnmatched, res.Outcome)

	parked, err := f.store.ListUnmatchedWebhooks(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "zzz", parked[0].ExternalJobID)
	assert.Equal(t, "succeeded", parked[0].Status)
	assert.Equal(t, models.JobKindTraining, parked[0].Kind)
	assert.JSONEq(t, string(body), string(parked[0].Payload))

	assert.Equal(t, models.JobStatusSubmitted, f.get(t, job.ID).Status)
}

func TestIngest_UnknownStatusAcknowledged(t *testing.T) {
	f := newFixture(t, nil)
	job := f.submitted(t, "abc123")

	res, err := f.ing.Ingest(context.Background(), models.JobKindGeneration, http.Header{},
		[]byte(`{"id":"abc123","status":"rebooting"}`))
	require.NoError(t, err)
	assert.Equal(t, jobs.OutcomeIgnored, res.Outcome)
	assert.Equal(t, models.JobStatusSubmitted, f.get(t, job.ID).Status)
}

func signer(t *testing.T) *replicate.Verifier {
	t.Helper()
	v, err := replicate.NewVerifier("whsec_" + base64.StdEncoding.EncodeToString([]byte("test-secret")))
	require.NoError(t, err)
	return v
}

func signedHeader(v *replicate.Verifier, id string, body []byte) http.Header {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	h := http.Header{}
	h.Set("webhook-id", id)
	h.Set("webhook-timestamp", ts)
	h.Set("webhook-signature", "v1,"+v.Sign(id, ts, body))
	return h
}

func TestIngest_SignatureRequired(t *testing.T) {
	v := signer(t)
	f := newFixture(t, v)
	job := f.submitted(t, "abc123")
	body := []byte(`{"id":"abc123","status":"failed","error":"boom"}`)

	_, err := f.ing.Ingest(context.Background(), models.JobKindGeneration, http.Header{}, body)
	assert.ErrorIs(t, err, replicate.ErrInvalidSignature)
	assert.Equal(t, models.JobStatusSubmitted, f.get(t, job.ID).Status)

	res, err := f.ing.Ingest(context.Background(), models.JobKindGeneration, signedHeader(v, "msg_1", body), body)
	require.NoError(t, err)
	assert.Equal(t, jobs.OutcomeApplied, res.Outcome)
	assert.Equal(t, models.JobStatusFailed, f.get(t, job.ID).Status)
}

func TestIngest_DuplicateDeliverySkipped(t *testing.T) {
	v := signer(t)
	f := newFixture(t, v)
	f.submitted(t, "abc123")
	body := []byte(`{"id":"abc123","status":"starting"}`)
	h := signedHeader(v, "msg_dup", body)

	first, err := f.ing.Ingest(context.Background(), models.JobKindGeneration, h, body)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := f.ing.Ingest(context.Background(), models.JobKindGeneration, h, body)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, jobs.OutcomeLogsOnly, second.Outcome)
}

func TestIngest_WrongRouteRejected(t *testing.T) {
	f := newFixture(t, nil)
	job := f.submitted(t, "gen-1")
	body := []byte(`{"id":"gen-1","status":"succeeded","output":["https://provider/out.png"],"logs":"done"}`)

	_, err := f.ing.Ingest(context.Background(), models.JobKindTraining, http.Header{}, body)
	require.Error(t, err)
	assert.ErrorIs(t, err, jobs.ErrKindMismatch)
	assert.True(t, IsClientError(err))

	got := f.get(t, job.ID)
	assert.Equal(t, models.JobStatusSubmitted, got.Status)
	assert.Empty(t, got.Logs)
	assert.Nil(t, got.OutputArtifactRef)

	parked, err := f.store.ListUnmatchedWebhooks(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, parked)
}

type failingApplier struct{ calls int }

func (a *failingApplier) ApplyCallback(context.Context, models.JobKind, string, replicate.Event) (jobs.Outcome, error) {
	a.calls++
	return 0, errors.New("database unavailable")
}

func TestIngest_FailedDeliveryCanBeRetried(t *testing.T) {
	v := signer(t)
	claims := cache.NewMemoryCache()
	applier := &failingApplier{}
	ing := NewIngestor(applier, nil, v, claims)
	body := []byte(`{"id":"abc123","status":"processing"}`)
	h := signedHeader(v, "msg_retry", body)

	_, err := ing.Ingest(context.Background(), models.JobKindGeneration, h, body)
	require.Error(t, err)
	assert.False(t, IsClientError(err))

	res, err := ing.Ingest(context.Background(), models.JobKindGeneration, h, body)
	require.Error(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 2, applier.calls)
}
