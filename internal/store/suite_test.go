package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tunehub/internal/store"
	"github.com/kiranshivaraju/tunehub/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises behaviour every Store implementation must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob(models.JobKindTraining)
		job.ParentReferences = []string{"0xparent1", "0xparent2"}

		require.NoError(t, s.CreateJob(ctx, job))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, got.Status)
		assert.Equal(t, models.JobKindTraining, got.Kind)
		assert.Equal(t, []string{"0xparent1", "0xparent2"}, got.ParentReferences)
		assert.Equal(t, models.RegistrationPending, got.Registration.Status)
		assert.Nil(t, got.ExternalJobID)
		assert.JSONEq(t, `{"model":"flux-lora","trigger_word":"TOK"}`, string(got.InputParameters))
	})

	t.Run("GetJob_NotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetJob(context.Background(), uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = s.GetJobByExternalID(context.Background(), "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("RecordSubmission", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob(models.JobKindTraining)
		require.NoError(t, s.CreateJob(ctx, job))

		require.NoError(t, s.RecordSubmission(ctx, job.ID, "abc123"))

		got, err := s.GetJobByExternalID(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, models.JobStatusSubmitted, got.Status)
		require.NotNil(t, got.SubmittedAt)
	})

	t.Run("RecordSubmission_Conflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		first := newJob(models.JobKindTraining)
		second := newJob(models.JobKindTraining)
		require.NoError(t, s.CreateJob(ctx, first))
		require.NoError(t, s.CreateJob(ctx, second))

		require.NoError(t, s.RecordSubmission(ctx, first.ID, "abc123"))
		err := s.RecordSubmission(ctx, second.ID, "abc123")
		assert.ErrorIs(t, err, store.ErrDuplicateKey)

		got, err := s.GetJobByExternalID(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)

		other, err := s.GetJob(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, other.Status)
		assert.Nil(t, other.ExternalJobID)
	})

	t.Run("RecordSubmission_UnknownJob", func(t *testing.T) {
		s := newStore(t)
		err := s.RecordSubmission(context.Background(), uuid.New(), "abc123")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("TransitionJob_Forward", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := submittedJob(t, s, "ext-forward")

		require.NoError(t, s.TransitionJob(ctx, job.ID, models.JobStatusProcessing))
		require.NoError(t, s.TransitionJob(ctx, job.ID, models.JobStatusSucceeded,
			store.WithOutputArtifact("https://cdn/out.webp", "https://provider/out.webp"),
			store.WithProviderOutputs([]string{"https://provider/out.webp", "https://provider/out-2.webp"}),
			store.WithPredictTime(12.5)))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusSucceeded, got.Status)
		require.NotNil(t, got.OutputArtifactRef)
		assert.Equal(t, "https://cdn/out.webp", *got.OutputArtifactRef)
		require.NotNil(t, got.ProviderOutputURL)
		assert.Equal(t, "https://provider/out.webp", *got.ProviderOutputURL)
		assert.Equal(t, []string{"https://provider/out.webp", "https://provider/out-2.webp"}, got.ProviderOutputs)
		require.NotNil(t, got.PredictTime)
		assert.InDelta(t, 12.5, *got.PredictTime, 0.001)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("TransitionJob_RejectsBackward", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := submittedJob(t, s, "ext-backward")

		require.NoError(t, s.TransitionJob(ctx, job.ID, models.JobStatusProcessing))
		err := s.TransitionJob(ctx, job.ID, models.JobStatusStarting)
		assert.ErrorIs(t, err, store.ErrStaleTransition)

		require.NoError(t, s.TransitionJob(ctx, job.ID, models.JobStatusFailed, store.WithErrorMessage("oom")))
		err = s.TransitionJob(ctx, job.ID, models.JobStatusSucceeded,
			store.WithOutputArtifact("https://cdn/x", ""))
		assert.ErrorIs(t, err, store.ErrStaleTransition)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, got.Status)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "oom", *got.ErrorMessage)
		assert.Nil(t, got.OutputArtifactRef)
	})

	t.Run("UpdateOutputArtifact", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := submittedJob(t, s, "ext-rehost")

		err := s.UpdateOutputArtifact(ctx, job.ID, "https://cdn/early.png")
		assert.ErrorIs(t, err, store.ErrStaleTransition)

		require.NoError(t, s.TransitionJob(ctx, job.ID, models.JobStatusSucceeded,
			store.WithOutputArtifact("https://provider/out.png", "https://provider/out.png")))
		require.NoError(t, s.UpdateOutputArtifact(ctx, job.ID, "https://cdn/out.png"))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "https://cdn/out.png", *got.OutputArtifactRef)
		assert.Equal(t, "https://provider/out.png", *got.ProviderOutputURL)

		assert.ErrorIs(t, s.UpdateOutputArtifact(ctx, uuid.New(), "x"), store.ErrNotFound)
	})

	t.Run("TransitionJob_NotFound", func(t *testing.T) {
		s := newStore(t)
		err := s.TransitionJob(context.Background(), uuid.New(), models.JobStatusFailed)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("AppendJobLogs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob(models.JobKindGeneration)
		require.NoError(t, s.CreateJob(ctx, job))

		require.NoError(t, s.AppendJobLogs(ctx, job.ID, "step 1"))
		require.NoError(t, s.AppendJobLogs(ctx, job.ID, "step 1\nstep 2"))
		require.NoError(t, s.AppendJobLogs(ctx, job.ID, "step 1\nstep 2"))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "step 1\nstep 2", got.Logs)
	})

	t.Run("HideAndList", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		visible := newJob(models.JobKindGeneration)
		hidden := newJob(models.JobKindGeneration)
		hidden.CreatedAt = visible.CreatedAt.Add(time.Second)
		require.NoError(t, s.CreateJob(ctx, visible))
		require.NoError(t, s.CreateJob(ctx, hidden))
		require.NoError(t, s.SetJobHidden(ctx, hidden.ID, true))

		jobs, total, err := s.ListJobs(ctx, store.JobFilter{})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, jobs, 1)
		assert.Equal(t, visible.ID, jobs[0].ID)

		jobs, total, err = s.ListJobs(ctx, store.JobFilter{IncludeHidden: true})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Equal(t, hidden.ID, jobs[0].ID)

		got, err := s.GetJob(ctx, hidden.ID)
		require.NoError(t, err)
		assert.True(t, got.IsHidden)
		assert.Equal(t, models.JobStatusPending, got.Status)

		assert.ErrorIs(t, s.SetJobHidden(ctx, uuid.New(), true), store.ErrNotFound)
	})

	t.Run("Registration_RequiresSucceeded", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := submittedJob(t, s, "ext-reg")
		assetID := "0xchild"

		err := s.UpdateJobRegistration(ctx, job.ID, models.Registration{
			Status: models.RegistrationRegistered, AssetID: &assetID,
		})
		assert.ErrorIs(t, err, store.ErrStaleTransition)

		require.NoError(t, s.TransitionJob(ctx, job.ID, models.JobStatusSucceeded,
			store.WithOutputArtifact("https://cdn/out", "")))
		require.NoError(t, s.UpdateJobRegistration(ctx, job.ID, models.Registration{
			Status: models.RegistrationRegistered, AssetID: &assetID, Attempts: 1,
		}))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RegistrationRegistered, got.Registration.Status)
		assert.Equal(t, "0xchild", *got.Registration.AssetID)
		assert.Equal(t, 1, got.Registration.Attempts)
	})

	t.Run("ListJobsNeedingRegistration", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		failed := submittedJob(t, s, "ext-failed-reg")
		require.NoError(t, s.TransitionJob(ctx, failed.ID, models.JobStatusSucceeded,
			store.WithOutputArtifact("https://cdn/1", "")))
		reason := "rpc unavailable"
		now := time.Now().UTC()
		require.NoError(t, s.UpdateJobRegistration(ctx, failed.ID, models.Registration{
			Status: models.RegistrationFailed, FailureReason: &reason, Attempts: 3, FailedAt: &now,
		}))

		pending := submittedJob(t, s, "ext-pending-reg")
		require.NoError(t, s.TransitionJob(ctx, pending.ID, models.JobStatusSucceeded,
			store.WithOutputArtifact("https://cdn/2", "")))

		stillRunning := submittedJob(t, s, "ext-running")
		_ = stillRunning

		jobs, err := s.ListJobsNeedingRegistration(ctx, store.RegistrationFilter{
			PendingBefore: time.Now().UTC().Add(-time.Hour), Limit: 10,
		})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, failed.ID, jobs[0].ID)

		jobs, err = s.ListJobsNeedingRegistration(ctx, store.RegistrationFilter{
			PendingBefore: time.Now().UTC().Add(time.Hour), Limit: 10,
		})
		require.NoError(t, err)
		assert.Len(t, jobs, 2)
	})

	t.Run("TrainingAssets", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob(models.JobKindTraining)
		require.NoError(t, s.CreateJob(ctx, job))

		now := time.Now().UTC().Truncate(time.Microsecond)
		assets := []*models.TrainingAsset{
			{ID: uuid.New(), JobID: job.ID, OriginalFilename: "b.png", StorageRef: "inputs/b.png", DisplayOrder: 1, CreatedAt: now, UpdatedAt: now},
			{ID: uuid.New(), JobID: job.ID, OriginalFilename: "a.png", StorageRef: "inputs/a.png", DisplayOrder: 0, CreatedAt: now, UpdatedAt: now},
		}
		require.NoError(t, s.CreateTrainingAssets(ctx, assets))

		list, err := s.ListTrainingAssets(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "a.png", list[0].OriginalFilename)
		assert.Equal(t, models.RegistrationPending, list[0].Registration.Status)

		ipID := "0xasset"
		require.NoError(t, s.UpdateAssetRegistration(ctx, assets[0].ID, models.Registration{
			Status: models.RegistrationRegistered, AssetID: &ipID, Attempts: 1,
		}))
		got, err := s.GetTrainingAsset(ctx, assets[0].ID)
		require.NoError(t, err)
		assert.Equal(t, models.RegistrationRegistered, got.Registration.Status)
		assert.Equal(t, "0xasset", *got.Registration.AssetID)

		assert.ErrorIs(t, s.UpdateAssetRegistration(ctx, uuid.New(), models.Registration{}), store.ErrNotFound)
	})

	t.Run("UnmatchedWebhooks", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i, id := range []string{"zzz", "yyy"} {
			require.NoError(t, s.RecordUnmatchedWebhook(ctx, &models.UnmatchedWebhook{
				ID:            uuid.New(),
				Kind:          models.JobKindGeneration,
				ExternalJobID: id,
				Status:        "succeeded",
				Payload:       json.RawMessage(`{"id":"` + id + `"}`),
				ReceivedAt:    time.Now().UTC().Add(time.Duration(i) * time.Second),
			}))
		}

		list, err := s.ListUnmatchedWebhooks(ctx, 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "yyy", list[0].ExternalJobID)
	})
}

func newJob(kind models.JobKind) *models.Job {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Job{
		ID:              uuid.New(),
		Kind:            kind,
		Status:          models.JobStatusPending,
		InputParameters: json.RawMessage(`{"model":"flux-lora","trigger_word":"TOK"}`),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func submittedJob(t *testing.T, s store.Store, externalID string) *models.Job {
	t.Helper()
	ctx := context.Background()
	job := newJob(models.JobKindTraining)
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.RecordSubmission(ctx, job.ID, externalID))
	return job
}
