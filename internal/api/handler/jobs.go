package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tunehub/internal/api/response"
	"github.com/kiranshivaraju/tunehub/internal/jobs"
	"github.com/kiranshivaraju/tunehub/internal/store"
	"github.com/kiranshivaraju/tunehub/pkg/models"
)

const maxCreateBody = 1 << 20

// JobService is the part of jobs.Service the job routes use.
type JobService interface {
	CreateJob(ctx context.Context, in jobs.CreateJobInput) (*models.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*jobs.JobView, error)
	GetStatus(ctx context.Context, id uuid.UUID) (models.JobStatus, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
	HideJob(ctx context.Context, id uuid.UUID) error
	UnhideJob(ctx context.Context, id uuid.UUID) error
}

type createJobResponse struct {
	JobID  uuid.UUID        `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

// NewCreateJobHandler returns the handler for POST /api/jobs. The provider
// submission runs in the background, so the response carries only the id.
func NewCreateJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in jobs.CreateJobInput
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBody))
		if err := dec.Decode(&in); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}

		job, err := svc.CreateJob(r.Context(), in)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.Accepted(w, createJobResponse{JobID: job.ID, Status: job.Status})
	}
}

// NewGetJobHandler returns the handler for GET /api/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		view, err := svc.GetJob(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, view)
	}
}

// NewJobStatusHandler returns the handler for GET /api/jobs/{jobID}/status,
// the cheap read clients poll.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		status, err := svc.GetStatus(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{"job_id": id, "status": status})
	}
}

// NewListJobsHandler returns the handler for GET /api/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.JobFilter{
			Kind:          models.JobKind(q.Get("kind")),
			Status:        models.JobStatus(q.Get("status")),
			IncludeHidden: q.Get("include_hidden") == "true",
			Page:          queryInt(q.Get("page"), 1),
			Limit:         queryInt(q.Get("limit"), 20),
		}
		if filter.Kind != "" && !filter.Kind.Valid() {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "kind must be one of training, generation", nil)
			return
		}

		list, total, err := svc.ListJobs(r.Context(), filter)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if list == nil {
			list = []*models.Job{}
		}
		page, limit := store.NormalizePage(filter.Page, filter.Limit)
		response.Collection(w, list, response.Page(page, limit, total))
	}
}

// NewSetHiddenHandler returns the handler for the hide and unhide routes.
func NewSetHiddenHandler(svc JobService, hidden bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		op := svc.UnhideJob
		if hidden {
			op = svc.HideJob
		}
		if err := op(r.Context(), id); err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{"job_id": id, "is_hidden": hidden})
	}
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
