package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tunehub/pkg/models"
)

// MemoryStore is an in-process Store used for local development (DATABASE_URL
// set to memory://) and tests. It enforces the same uniqueness and transition
// rules as PostgresStore.
type MemoryStore struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.Job
	external  map[string]uuid.UUID
	assets    map[uuid.UUID]*models.TrainingAsset
	unmatched []*models.UnmatchedWebhook
	now       func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[uuid.UUID]*models.Job),
		external: make(map[string]uuid.UUID),
		assets:   make(map[uuid.UUID]*models.TrainingAsset),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	cp := copyJob(job)
	if cp.Registration.Status == "" {
		cp.Registration.Status = models.RegistrationPending
	}
	if cp.ParentReferences == nil {
		cp.ParentReferences = []string{}
	}
	s.jobs[job.ID] = cp
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) GetJobByExternalID(_ context.Context, externalJobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.external[externalJobID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(s.jobs[id]), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Job
	for _, j := range s.jobs {
		if j.IsHidden && !filter.IncludeHidden {
			continue
		}
		if filter.Kind != "" && j.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		matched = append(matched, copyJob(j))
	}
	sort.Slice(matched, func(a, b int) bool {
		return matched[a].CreatedAt.After(matched[b].CreatedAt)
	})

	page, limit := NormalizePage(filter.Page, filter.Limit)
	start := (page - 1) * limit
	if start >= len(matched) {
		return []*models.Job{}, len(matched), nil
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], len(matched), nil
}

func (s *MemoryStore) RecordSubmission(_ context.Context, id uuid.UUID, externalJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if owner, claimed := s.external[externalJobID]; claimed && owner != id {
		return ErrDuplicateKey
	}
	if !models.CanTransition(j.Status, models.JobStatusSubmitted) {
		return ErrStaleTransition
	}
	now := s.now()
	j.ExternalJobID = &externalJobID
	j.Status = models.JobStatusSubmitted
	j.SubmittedAt = &now
	j.UpdatedAt = now
	s.external[externalJobID] = id
	return nil
}

func (s *MemoryStore) TransitionJob(_ context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error {
	params := applyJobUpdateOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !models.CanTransition(j.Status, status) {
		return ErrStaleTransition
	}
	now := s.now()
	j.Status = status
	j.UpdatedAt = now
	if status.IsTerminal() {
		j.CompletedAt = &now
	}
	if params.ErrorMessage != nil {
		j.ErrorMessage = params.ErrorMessage
	}
	if params.OutputArtifactRef != nil {
		j.OutputArtifactRef = params.OutputArtifactRef
	}
	if params.ProviderOutputURL != nil {
		j.ProviderOutputURL = params.ProviderOutputURL
	}
	if params.ProviderOutputs != nil {
		j.ProviderOutputs = params.ProviderOutputs
	}
	if params.PredictTime != nil {
		j.PredictTime = params.PredictTime
	}
	return nil
}

func (s *MemoryStore) UpdateOutputArtifact(_ context.Context, id uuid.UUID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != models.JobStatusSucceeded {
		return ErrStaleTransition
	}
	j.OutputArtifactRef = &ref
	j.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) AppendJobLogs(_ context.Context, id uuid.UUID, logs string) error {
	if logs == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Logs = models.MergeLogs(j.Logs, logs)
	j.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetJobHidden(_ context.Context, id uuid.UUID, hidden bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.IsHidden = hidden
	j.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) UpdateJobRegistration(_ context.Context, id uuid.UUID, reg models.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if reg.Status == models.RegistrationRegistered && j.Status != models.JobStatusSucceeded {
		return ErrStaleTransition
	}
	j.Registration = reg
	j.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListJobsNeedingRegistration(_ context.Context, filter RegistrationFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Job
	for _, j := range s.jobs {
		if j.Status != models.JobStatusSucceeded {
			continue
		}
		switch j.Registration.Status {
		case models.RegistrationFailed:
		case models.RegistrationPending:
			if j.CompletedAt == nil || !j.CompletedAt.Before(filter.PendingBefore) {
				continue
			}
		default:
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(a, b int) bool {
		return completedAt(out[a]).Before(completedAt(out[b]))
	})
	_, limit := NormalizePage(1, filter.Limit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateTrainingAssets(_ context.Context, assets []*models.TrainingAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range assets {
		if _, ok := s.jobs[a.JobID]; !ok {
			return ErrNotFound
		}
		if _, ok := s.assets[a.ID]; ok {
			return ErrDuplicateKey
		}
	}
	for _, a := range assets {
		cp := *a
		cp.Registration = models.Registration{Status: models.RegistrationPending}
		s.assets[a.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) GetTrainingAsset(_ context.Context, id uuid.UUID) (*models.TrainingAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListTrainingAssets(_ context.Context, jobID uuid.UUID) ([]*models.TrainingAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.TrainingAsset
	for _, a := range s.assets {
		if a.JobID == jobID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].DisplayOrder < out[k].DisplayOrder })
	return out, nil
}

func (s *MemoryStore) UpdateAssetRegistration(_ context.Context, id uuid.UUID, reg models.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok {
		return ErrNotFound
	}
	a.Registration = reg
	a.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) RecordUnmatchedWebhook(_ context.Context, w *models.UnmatchedWebhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.unmatched = append(s.unmatched, &cp)
	return nil
}

func (s *MemoryStore) ListUnmatchedWebhooks(_ context.Context, limit int) ([]*models.UnmatchedWebhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, limit = NormalizePage(1, limit)
	out := make([]*models.UnmatchedWebhook, 0, len(s.unmatched))
	for i := len(s.unmatched) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.unmatched[i]
		out = append(out, &cp)
	}
	return out, nil
}

func copyJob(j *models.Job) *models.Job {
	cp := *j
	if j.ParentReferences != nil {
		cp.ParentReferences = append([]string(nil), j.ParentReferences...)
	}
	if j.InputParameters != nil {
		cp.InputParameters = append([]byte(nil), j.InputParameters...)
	}
	if j.ProviderOutputs != nil {
		cp.ProviderOutputs = append([]string(nil), j.ProviderOutputs...)
	}
	return &cp
}

func completedAt(j *models.Job) time.Time {
	if j.CompletedAt == nil {
		return time.Time{}
	}
	return *j.CompletedAt
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*PostgresStore)(nil)
