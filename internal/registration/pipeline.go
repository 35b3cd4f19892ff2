// Package registration declares finished artifacts and their training inputs
// with the IP registry. It runs after a job succeeds and never changes the
// job's own status.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/tunehub/internal/config"
	"github.com/kiranshivaraju/tunehub/internal/ipregistry"
	"github.com/kiranshivaraju/tunehub/internal/jobs"
	"github.com/kiranshivaraju/tunehub/internal/outbox"
	"github.com/kiranshivaraju/tunehub/internal/store"
	"github.com/kiranshivaraju/tunehub/pkg/models"
	"golang.org/x/sync/errgroup"
)

// ErrParentsOutstanding means some training assets are not registered yet, so
// the derivative's parent set is incomplete. The job stays pending.
var ErrParentsOutstanding = errors.New("training asset registration outstanding")

// Result is the outcome of one registration run.
type Result struct {
	Status   models.RegistrationStatus `json:"registration_status"`
	AssetID  string                    `json:"asset_id,omitempty"`
	TxRef    string                    `json:"tx_ref,omitempty"`
	Error    string                    `json:"error,omitempty"`
	Attempts int                       `json:"attempts"`
	// Skipped is set when nothing was sent to the registry.
	Skipped bool `json:"skipped,omitempty"`
	// Deferred is set when parent assets are still being registered.
	Deferred bool `json:"deferred,omitempty"`
}

// SweepResult counts what a bulk retry did.
type SweepResult struct {
	Attempted  int `json:"attempted"`
	Registered int `json:"registered"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Deferred   int `json:"deferred"`
}

// Pipeline registers job outputs as derivatives of their parent assets.
type Pipeline struct {
	store     store.Store
	registrar ipregistry.Registrar
	cfg       config.RegistrationConfig
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

func NewPipeline(st store.Store, reg ipregistry.Registrar, cfg config.RegistrationConfig) *Pipeline {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.SweepConcurrency < 1 {
		cfg.SweepConcurrency = 1
	}
	return &Pipeline{
		store:     st,
		registrar: reg,
		cfg:       cfg,
		sleep:     sleepCtx,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RegisterDerivative registers a succeeded job's output against its parent
// set: the explicit parent references, or else the ids of its registered
// training assets. While any training asset is unregistered nothing is written
// and ErrParentsOutstanding is returned. An empty parent set is recorded as
// skipped. Exhausted retries record failed and return an error matching
// jobs.ErrRegistration.
func (p *Pipeline) RegisterDerivative(ctx context.Context, job *models.Job) (Result, error) {
	if job.Status != models.JobStatusSucceeded {
		return Result{}, fmt.Errorf("%w: job is %s", jobs.ErrInvalidTransition, job.Status)
	}
	if job.Registration.Status == models.RegistrationRegistered {
		return resultOf(job.Registration), nil
	}
	if !p.registrar.Enabled() {
		return Result{Status: job.Registration.Status, Skipped: true}, nil
	}
	logger := slog.With("job_id", job.ID)

	parents, outstanding, err := p.parents(ctx, job)
	if err != nil {
		return Result{}, err
	}
	if outstanding > 0 {
		logger.Info("waiting on training asset registration", "outstanding", outstanding)
		return Result{Status: job.Registration.Status, Attempts: job.Registration.Attempts, Deferred: true},
			fmt.Errorf("%w: %d of the job's assets", ErrParentsOutstanding, outstanding)
	}
	if len(parents) == 0 {
		reg := models.Registration{Status: models.RegistrationSkipped}
		if err := p.store.UpdateJobRegistration(ctx, job.ID, reg); err != nil {
			return Result{}, fmt.Errorf("recording skipped registration: %w", err)
		}
		logger.Info("no parent assets, registration skipped")
		return Result{Status: models.RegistrationSkipped, Skipped: true}, nil
	}

	req := ipregistry.Request{ParentAssetIDs: parents, Metadata: derivativeMetadata(job)}
	reg, callErr := p.register(ctx, logger, req, job.Registration.Attempts)
	if err := p.store.UpdateJobRegistration(ctx, job.ID, reg); err != nil {
		return Result{}, fmt.Errorf("recording registration: %w", err)
	}
	if callErr != nil {
		logger.Error("derivative registration failed", "attempts", reg.Attempts, "error", callErr)
		return resultOf(reg), fmt.Errorf("%w: %w", jobs.ErrRegistration, callErr)
	}
	logger.Info("derivative registered", "asset_id", *reg.AssetID, "parents", len(parents))
	return resultOf(reg), nil
}

// RegisterAsset registers one training asset as a root IP asset so it can
// serve as a parent of the job's output.
func (p *Pipeline) RegisterAsset(ctx context.Context, asset *models.TrainingAsset) (Result, error) {
	if asset.Registration.Status == models.RegistrationRegistered {
		return resultOf(asset.Registration), nil
	}
	if !p.registrar.Enabled() {
		return Result{Status: asset.Registration.Status, Skipped: true}, nil
	}
	logger := slog.With("job_id", asset.JobID, "asset_id", asset.ID)

	req := ipregistry.Request{
		ParentAssetIDs: []string{},
		Metadata: ipregistry.Metadata{
			Title:    asset.OriginalFilename,
			MediaURL: asset.StorageRef,
			Attributes: map[string]string{
				"job_id":        asset.JobID.String(),
				"display_order": fmt.Sprint(asset.DisplayOrder),
			},
		},
	}
	reg, callErr := p.register(ctx, logger, req, asset.Registration.Attempts)
	if err := p.store.UpdateAssetRegistration(ctx, asset.ID, reg); err != nil {
		return Result{}, fmt.Errorf("recording asset registration: %w", err)
	}
	if callErr != nil {
		return resultOf(reg), fmt.Errorf("%w: %w", jobs.ErrRegistration, callErr)
	}
	logger.Info("training asset registered", "ip_id", *reg.AssetID)
	return resultOf(reg), nil
}

// register calls the registry up to MaxAttempts times, waiting attempt ×
// Backoff after each failed attempt. A definitive rejection (a 4xx from the
// service) is not retried; a reply with success false is.
func (p *Pipeline) register(ctx context.Context, logger *slog.Logger, req ipregistry.Request, prior int) (models.Registration, error) {
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		resp, err := p.registrar.Register(ctx, req)
		if err == nil && resp.Success {
			now := p.now()
			return models.Registration{
				Status:       models.RegistrationRegistered,
				AssetID:      &resp.IPID,
				TxRef:        optional(resp.TxHash),
				Attempts:     prior + attempt,
				RegisteredAt: &now,
			}, nil
		}
		if err == nil {
			msg := resp.Error
			if msg == "" {
				msg = "registration declined"
			}
			lastErr = fmt.Errorf("%w: %s", ipregistry.ErrDeclined, msg)
		} else {
			lastErr = err
		}
		logger.Warn("registration attempt failed", "attempt", attempt, "error", lastErr)

		if errors.Is(lastErr, ipregistry.ErrRejected) || attempt == p.cfg.MaxAttempts {
			break
		}
		if err := p.sleep(ctx, time.Duration(attempt)*p.cfg.Backoff); err != nil {
			lastErr = err
			break
		}
	}

	now := p.now()
	reason := lastErr.Error()
	return models.Registration{
		Status:        models.RegistrationFailed,
		FailureReason: &reason,
		Attempts:      prior + attempts,
		FailedAt:      &now,
	}, lastErr
}

// parents returns the parent ids and how many training assets are still
// pending or failed.
func (p *Pipeline) parents(ctx context.Context, job *models.Job) ([]string, int, error) {
	if len(job.ParentReferences) > 0 {
		return job.ParentReferences, 0, nil
	}
	assets, err := p.store.ListTrainingAssets(ctx, job.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("listing training assets: %w", err)
	}
	var out []string
	outstanding := 0
	for _, a := range assets {
		switch a.Registration.Status {
		case models.RegistrationRegistered:
			if a.Registration.AssetID != nil {
				out = append(out, *a.Registration.AssetID)
			}
		case models.RegistrationSkipped:
		default:
			outstanding++
		}
	}
	return out, outstanding, nil
}

// retryFailedAssets re-registers the job's training assets whose own
// registration failed. Pending assets are left to their queued task.
func (p *Pipeline) retryFailedAssets(ctx context.Context, job *models.Job) error {
	if len(job.ParentReferences) > 0 {
		return nil
	}
	assets, err := p.store.ListTrainingAssets(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("listing training assets: %w", err)
	}
	for _, a := range assets {
		if a.Registration.Status != models.RegistrationFailed {
			continue
		}
		if _, err := p.RegisterAsset(ctx, a); err != nil && !errors.Is(err, jobs.ErrRegistration) {
			return err
		}
	}
	return nil
}

func derivativeMetadata(job *models.Job) ipregistry.Metadata {
	params, _ := job.Params()
	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = fmt.Sprintf("%s %s", job.Kind, job.ID)
	}
	md := ipregistry.Metadata{
		Title:       title,
		Description: params.Description,
		Attributes: map[string]string{
			"job_id": job.ID.String(),
			"kind":   string(job.Kind),
			"model":  params.Model,
		},
	}
	if job.OutputArtifactRef != nil {
		md.MediaURL = *job.OutputArtifactRef
	}
	if job.ExternalJobID != nil {
		md.Attributes["external_job_id"] = *job.ExternalJobID
	}
	if params.TriggerWord != "" {
		md.Attributes["trigger_word"] = params.TriggerWord
	}
	return md
}

// RetryFailed re-attempts registration for succeeded jobs whose registration
// failed or has been pending longer than PendingGrace. Failed training assets
// of those jobs are retried first.
func (p *Pipeline) RetryFailed(ctx context.Context, limit int) (SweepResult, error) {
	var res SweepResult
	if !p.registrar.Enabled() {
		return res, nil
	}
	candidates, err := p.store.ListJobsNeedingRegistration(ctx, store.RegistrationFilter{
		PendingBefore: p.now().Add(-p.cfg.PendingGrace),
		Limit:         limit,
	})
	if err != nil {
		return res, fmt.Errorf("listing jobs needing registration: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.SweepConcurrency)
	for _, job := range candidates {
		g.Go(func() error {
			var r Result
			err := p.retryFailedAssets(gctx, job)
			if err == nil {
				r, err = p.RegisterDerivative(gctx, job)
			}
			mu.Lock()
			defer mu.Unlock()
			res.Attempted++
			switch {
			case errors.Is(err, ErrParentsOutstanding):
				res.Deferred++
			case err != nil && !errors.Is(err, jobs.ErrRegistration):
				res.Failed++
				slog.Error("registration retry errored", "job_id", job.ID, "error", err)
			case err != nil:
				res.Failed++
			case r.Skipped:
				res.Skipped++
			default:
				res.Registered++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	slog.Info("registration sweep finished",
		"attempted", res.Attempted, "registered", res.Registered, "failed", res.Failed,
		"skipped", res.Skipped, "deferred", res.Deferred)
	return res, ctx.Err()
}

// RunSweep calls RetryFailed every interval until ctx is cancelled.
func (p *Pipeline) RunSweep(ctx context.Context, interval time.Duration, limit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RetryFailed(ctx, limit); err != nil && ctx.Err() == nil {
				slog.Error("registration sweep failed", "error", err)
			}
		}
	}
}

// HandleDerivativeTask is the outbox handler for register_derivative tasks.
// A registration failure is already recorded on the job and left to the
// sweep. Storage errors and outstanding parent assets are retried by the
// outbox; once it gives up, the sweep picks the still-pending job up.
func (p *Pipeline) HandleDerivativeTask(ctx context.Context, task outbox.Task) error {
	job, err := p.store.GetJob(ctx, task.SubjectID)
	if err != nil {
		return notFoundPermanent(err)
	}
	if _, err := p.RegisterDerivative(ctx, job); err != nil {
		if errors.Is(err, jobs.ErrRegistration) || errors.Is(err, jobs.ErrInvalidTransition) {
			return outbox.Permanent(err)
		}
		return err
	}
	return nil
}

// HandleAssetTask is the outbox handler for register_asset tasks.
func (p *Pipeline) HandleAssetTask(ctx context.Context, task outbox.Task) error {
	asset, err := p.store.GetTrainingAsset(ctx, task.SubjectID)
	if err != nil {
		return notFoundPermanent(err)
	}
	if _, err := p.RegisterAsset(ctx, asset); err != nil {
		if errors.Is(err, jobs.ErrRegistration) {
			return outbox.Permanent(err)
		}
		return err
	}
	return nil
}

func notFoundPermanent(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return outbox.Permanent(err)
	}
	return err
}

func resultOf(reg models.Registration) Result {
	r := Result{Status: reg.Status, Attempts: reg.Attempts}
	if reg.AssetID != nil {
		r.AssetID = *reg.AssetID
	}
	if reg.TxRef != nil {
		r.TxRef = *reg.TxRef
	}
	if reg.FailureReason != nil {
		r.Error = *reg.FailureReason
	}
	return r
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
