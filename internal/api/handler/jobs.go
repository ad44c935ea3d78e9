package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/productlens/internal/api/middleware"
	"github.com/kiranshivaraju/productlens/internal/api/response"
	"github.com/kiranshivaraju/productlens/internal/jobs"
	"github.com/kiranshivaraju/productlens/internal/store"
	"github.com/kiranshivaraju/productlens/pkg/models"
)

// MaxBatchImages bounds the number of images accepted in one batch job.
const MaxBatchImages = 100

// JobService defines the job operations the handlers depend on.
type JobService interface {
	Create(ctx context.Context, p jobs.CreateParams) (*models.Job, error)
	Get(ctx context.Context, jobID, ownerID uuid.UUID) (*models.Job, error)
	Cancel(ctx context.Context, jobID, ownerID uuid.UUID) (*models.Job, error)
}

type createJobRequest struct {
	ImageID  *uuid.UUID  `json:"image_id"`
	ImageIDs []uuid.UUID `json:"image_ids"`
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// A body with image_id creates a single job; image_ids creates a batch.
func NewCreateJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, userID, ok := caller(w, r)
		if !ok {
			return
		}

		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		params := jobs.CreateParams{TenantID: tenantID, OwnerID: userID}
		switch {
		case req.ImageID != nil && len(req.ImageIDs) > 0:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"Provide either image_id or image_ids, not both", nil)
			return
		case req.ImageID != nil:
			params.Kind = models.JobKindSingle
			params.ImageIDs = []uuid.UUID{*req.ImageID}
		case len(req.ImageIDs) > MaxBatchImages:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"Too many images in one batch", map[string]int{"max": MaxBatchImages})
			return
		case len(req.ImageIDs) > 0:
			params.Kind = models.JobKindBatch
			params.ImageIDs = req.ImageIDs
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "image_id or image_ids is required", nil)
			return
		}

		job, err := svc.Create(r.Context(), params)
		if err != nil {
			writeJobError(w, r, err)
			return
		}
		response.Accepted(w, job)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, userID, ok := caller(w, r)
		if !ok {
			return
		}
		jobID, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}

		job, err := svc.Get(r.Context(), jobID, userID)
		if err != nil {
			writeJobError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for DELETE /api/v1/jobs/{jobID}.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, userID, ok := caller(w, r)
		if !ok {
			return
		}
		jobID, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}

		job, err := svc.Cancel(r.Context(), jobID, userID)
		if err != nil {
			writeJobError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

func writeJobError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, jobs.ErrImageNotFound):
		response.Error(w, http.StatusNotFound, "IMAGE_NOT_FOUND", "One or more images were not found", nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, jobs.ErrNotCancellable):
		response.Error(w, http.StatusConflict, "JOB_NOT_CANCELLABLE", "Job has already finished", nil)
	case errors.Is(err, jobs.ErrEnqueue):
		response.Error(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE",
			"The job could not be queued", nil)
	default:
		slog.Error("job request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

// caller extracts the authenticated tenant and user, writing 401 when absent.
func caller(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	tenantID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return uuid.Nil, uuid.Nil, false
	}
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, userID, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", param+" must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
