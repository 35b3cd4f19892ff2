package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/tunehub/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, kind, external_job_id, status, input_parameters, output_artifact_ref,
	provider_output_url, provider_outputs, error_message, logs, predict_time, parent_references, is_hidden,
	registration_status, registration_asset_id, registration_tx_ref, registration_failure_reason,
	registration_attempts, registration_failed_at, registration_registered_at,
	submitted_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Kind, &j.ExternalJobID, &j.Status, &j.InputParameters,
		&j.OutputArtifactRef, &j.ProviderOutputURL, &j.ProviderOutputs, &j.ErrorMessage, &j.Logs, &j.PredictTime,
		&j.ParentReferences, &j.IsHidden,
		&j.Registration.Status, &j.Registration.AssetID, &j.Registration.TxRef,
		&j.Registration.FailureReason, &j.Registration.Attempts, &j.Registration.FailedAt,
		&j.Registration.RegisteredAt,
		&j.SubmittedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	parents := job.ParentReferences
	if parents == nil {
		parents = []string{}
	}
	regStatus := job.Registration.Status
	if regStatus == "" {
		regStatus = models.RegistrationPending
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, kind, status, input_parameters, parent_references, is_hidden,
		   registration_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.Kind, job.Status, job.InputParameters, parents, job.IsHidden,
		regStatus, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJobByExternalID(ctx context.Context, externalJobID string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE external_job_id = $1`, externalJobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by external id: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if !filter.IncludeHidden {
		conditions = append(conditions, "is_hidden = FALSE")
	}
	if filter.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argIdx))
		args = append(args, filter.Kind)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	page, limit := NormalizePage(filter.Page, filter.Limit)
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) RecordSubmission(ctx context.Context, id uuid.UUID, externalJobID string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET external_job_id = $2, status = $3, submitted_at = $4, updated_at = $4
		 WHERE id = $1 AND status = ANY($5)`,
		id, externalJobID, models.JobStatusSubmitted, now,
		statusStrings(models.Predecessors(models.JobStatusSubmitted)))
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("record submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, id)
	}
	return nil
}

func (s *PostgresStore) TransitionJob(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error {
	params := applyJobUpdateOptions(opts)

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	if status.IsTerminal() {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.OutputArtifactRef != nil {
		query += fmt.Sprintf(", output_artifact_ref = $%d", argIdx)
		args = append(args, *params.OutputArtifactRef)
		argIdx++
	}
	if params.ProviderOutputURL != nil {
		query += fmt.Sprintf(", provider_output_url = $%d", argIdx)
		args = append(args, *params.ProviderOutputURL)
		argIdx++
	}
	if params.ProviderOutputs != nil {
		query += fmt.Sprintf(", provider_outputs = $%d", argIdx)
		args = append(args, params.ProviderOutputs)
		argIdx++
	}
	if params.PredictTime != nil {
		query += fmt.Sprintf(", predict_time = $%d", argIdx)
		args = append(args, *params.PredictTime)
		argIdx++
	}

	query += fmt.Sprintf(" WHERE id = $1 AND status = ANY($%d)", argIdx)
	args = append(args, statusStrings(models.Predecessors(status)))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, id)
	}
	return nil
}

func (s *PostgresStore) UpdateOutputArtifact(ctx context.Context, id uuid.UUID, ref string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET output_artifact_ref = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'succeeded'`, id, ref)
	if err != nil {
		return fmt.Errorf("update output artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, id)
	}
	return nil
}

// AppendJobLogs merges a cumulative log snapshot the same way models.MergeLogs does.
func (s *PostgresStore) AppendJobLogs(ctx context.Context, id uuid.UUID, logs string) error {
	if logs == "" {
		return nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		   logs = CASE
		     WHEN starts_with($2, logs) THEN $2
		     WHEN starts_with(logs, $2) THEN logs
		     ELSE logs || E'\n' || $2
		   END,
		   updated_at = NOW()
		 WHERE id = $1`, id, logs)
	if err != nil {
		return fmt.Errorf("append job logs: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetJobHidden(ctx context.Context, id uuid.UUID, hidden bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET is_hidden = $2, updated_at = NOW() WHERE id = $1`, id, hidden)
	if err != nil {
		return fmt.Errorf("set job hidden: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateJobRegistration(ctx context.Context, id uuid.UUID, reg models.Registration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET registration_status = $2, registration_asset_id = $3, registration_tx_ref = $4,
		   registration_failure_reason = $5, registration_attempts = $6, registration_failed_at = $7,
		   registration_registered_at = $8, updated_at = NOW()
		 WHERE id = $1 AND ($2 <> 'registered' OR status = 'succeeded')`,
		id, reg.Status, reg.AssetID, reg.TxRef, reg.FailureReason, reg.Attempts,
		reg.FailedAt, reg.RegisteredAt)
	if err != nil {
		return fmt.Errorf("update job registration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, id)
	}
	return nil
}

func (s *PostgresStore) ListJobsNeedingRegistration(ctx context.Context, filter RegistrationFilter) ([]*models.Job, error) {
	_, limit := NormalizePage(1, filter.Limit)
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'succeeded'
		   AND (registration_status = 'failed'
		        OR (registration_status = 'pending' AND completed_at < $1))
		 ORDER BY completed_at ASC LIMIT $2`, filter.PendingBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs needing registration: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Training Assets ---

func (s *PostgresStore) CreateTrainingAssets(ctx context.Context, assets []*models.TrainingAsset) error {
	if len(assets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range assets {
		batch.Queue(
			`INSERT INTO training_assets (id, job_id, original_filename, storage_ref, display_order,
			   registration_status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			a.ID, a.JobID, a.OriginalFilename, a.StorageRef, a.DisplayOrder,
			models.RegistrationPending, a.CreatedAt, a.UpdatedAt)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range assets {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("create training asset: %w", err)
		}
	}
	return nil
}

const assetColumns = `id, job_id, original_filename, storage_ref, display_order,
	registration_status, registration_asset_id, registration_tx_ref, registration_failure_reason,
	registration_attempts, registration_failed_at, registration_registered_at, created_at, updated_at`

func scanAsset(row pgx.Row) (*models.TrainingAsset, error) {
	var a models.TrainingAsset
	err := row.Scan(&a.ID, &a.JobID, &a.OriginalFilename, &a.StorageRef, &a.DisplayOrder,
		&a.Registration.Status, &a.Registration.AssetID, &a.Registration.TxRef,
		&a.Registration.FailureReason, &a.Registration.Attempts, &a.Registration.FailedAt,
		&a.Registration.RegisteredAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetTrainingAsset(ctx context.Context, id uuid.UUID) (*models.TrainingAsset, error) {
	a, err := scanAsset(s.pool.QueryRow(ctx,
		`SELECT `+assetColumns+` FROM training_assets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get training asset: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListTrainingAssets(ctx context.Context, jobID uuid.UUID) ([]*models.TrainingAsset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+assetColumns+` FROM training_assets WHERE job_id = $1 ORDER BY display_order ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list training assets: %w", err)
	}
	defer rows.Close()

	var assets []*models.TrainingAsset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan training asset: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) UpdateAssetRegistration(ctx context.Context, id uuid.UUID, reg models.Registration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE training_assets SET registration_status = $2, registration_asset_id = $3,
		   registration_tx_ref = $4, registration_failure_reason = $5, registration_attempts = $6,
		   registration_failed_at = $7, registration_registered_at = $8, updated_at = NOW()
		 WHERE id = $1`,
		id, reg.Status, reg.AssetID, reg.TxRef, reg.FailureReason, reg.Attempts,
		reg.FailedAt, reg.RegisteredAt)
	if err != nil {
		return fmt.Errorf("update asset registration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Unmatched Webhooks ---

func (s *PostgresStore) RecordUnmatchedWebhook(ctx context.Context, w *models.UnmatchedWebhook) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO unmatched_webhooks (id, kind, external_job_id, status, payload, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.Kind, w.ExternalJobID, w.Status, w.Payload, w.ReceivedAt)
	if err != nil {
		return fmt.Errorf("record unmatched webhook: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUnmatchedWebhooks(ctx context.Context, limit int) ([]*models.UnmatchedWebhook, error) {
	_, limit = NormalizePage(1, limit)
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, external_job_id, status, payload, received_at
		 FROM unmatched_webhooks ORDER BY received_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unmatched webhooks: %w", err)
	}
	defer rows.Close()

	var out []*models.UnmatchedWebhook
	for rows.Next() {
		var w models.UnmatchedWebhook
		if err := rows.Scan(&w.ID, &w.Kind, &w.ExternalJobID, &w.Status, &w.Payload, &w.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan unmatched webhook: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// missOrStale distinguishes a missing job from one whose state rejected a
// conditional update.
func (s *PostgresStore) missOrStale(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleTransition
}

func statusStrings(statuses []models.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
