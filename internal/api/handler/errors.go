package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/tunehub/internal/api/response"
	"github.com/kiranshivaraju/tunehub/internal/jobs"
)

// writeServiceError maps the jobs error taxonomy onto the error envelope.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *jobs.ValidationError
	switch {
	case errors.As(err, &verr):
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, verr.Error(),
			map[string]string{"field": verr.Field})
	case errors.Is(err, jobs.ErrValidation):
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, err.Error(), nil)
	case errors.Is(err, jobs.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Job not found", nil)
	case errors.Is(err, jobs.ErrConflict), errors.Is(err, jobs.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, response.CodeConflict, err.Error(), nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Internal(w, "An unexpected error occurred")
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "jobID must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
