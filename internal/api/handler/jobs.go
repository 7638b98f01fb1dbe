// Package handler contains the HTTP handlers for the job control plane.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/yassine700/bizscout/internal/api/response"
	"github.com/yassine700/bizscout/internal/orchestrator"
	"github.com/yassine700/bizscout/internal/store"
	"github.com/yassine700/bizscout/pkg/models"
)

// JobService is the orchestrator surface the handlers depend on.
type JobService interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*models.Job, error)
	Status(ctx context.Context, jobID uuid.UUID) (*orchestrator.JobStatus, error)
	Tasks(ctx context.Context, jobID uuid.UUID) ([]*models.Task, error)
	Results(ctx context.Context, jobID uuid.UUID) ([]*models.Business, error)
	Pause(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	Resume(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	Kill(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
}

// NewSubmitHandler returns the handler for POST /api/v1/jobs.
func NewSubmitHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Keyword     string   `json:"keyword"`
			Cities      []string `json:"cities"`
			Sources     []string `json:"sources"`
			ProxyAPIKey string   `json:"proxy_api_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.Submit(r.Context(), orchestrator.SubmitRequest{
			Keyword:     req.Keyword,
			Cities:      req.Cities,
			Sources:     req.Sources,
			ProxyAPIKey: req.ProxyAPIKey,
		})
		if errors.Is(err, orchestrator.ErrValidation) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create job", nil)
			return
		}

		response.Created(w, map[string]any{
			"job_id":      job.ID,
			"status":      job.Status,
			"total_tasks": job.TotalTasks,
		})
	}
}

// NewStatusHandler returns the handler for GET /api/v1/jobs/{jobID}.
func NewStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		status, err := svc.Status(r.Context(), jobID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
			return
		}

		j := status.Job
		response.JSON(w, map[string]any{
			"job_id":          j.ID,
			"keyword":         j.Spec.Keyword,
			"cities":          j.Spec.Cities,
			"sources":         j.Spec.Sources,
			"status":          j.Status,
			"total_tasks":     j.TotalTasks,
			"completed_tasks": j.CompletedTasks,
			"progress":        status.Progress,
			"business_count":  status.BusinessCount,
			"created_at":      j.CreatedAt,
			"started_at":      j.StartedAt,
			"paused_at":       j.PausedAt,
			"completed_at":    j.CompletedAt,
		})
	}
}

// NewTasksHandler returns the handler for GET /api/v1/jobs/{jobID}/tasks.
func NewTasksHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		tasks, err := svc.Tasks(r.Context(), jobID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load tasks", nil)
			return
		}
		response.JSON(w, tasks)
	}
}

type controlOp func(svc JobService, ctx context.Context, jobID uuid.UUID) (*models.Job, error)

// NewControlHandler builds the pause/resume/kill handlers; the three share
// everything but the orchestrator call.
func NewControlHandler(svc JobService, op controlOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		job, err := op(svc, r.Context(), jobID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		case errors.Is(err, orchestrator.ErrNotPaused),
			errors.Is(err, store.ErrInvalidTransition):
			response.Error(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
			return
		case err != nil:
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Control operation failed", nil)
			return
		}

		response.Accepted(w, map[string]any{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

// Pause is the controlOp for POST /api/v1/jobs/{jobID}/pause.
func Pause(svc JobService, ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return svc.Pause(ctx, jobID)
}

// Resume is the controlOp for POST /api/v1/jobs/{jobID}/resume.
func Resume(svc JobService, ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return svc.Resume(ctx, jobID)
}

// Kill is the controlOp for POST /api/v1/jobs/{jobID}/kill.
func Kill(svc JobService, ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return svc.Kill(ctx, jobID)
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
		return uuid.Nil, false
	}
	return jobID, true
}
