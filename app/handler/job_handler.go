package handler

import (
	"context"
	"errors"
	"net/http"

	"gpubridge/internal/worker"
	"gpubridge/pkg/logger"
	"gpubridge/pkg/store/mysql"

	"github.com/gin-gonic/gin"
)

// JobStore is the job persistence used by the API.
type JobStore interface {
	Create(ctx context.Context, job *mysql.Job) error
	Get(ctx context.Context, id int64) (*mysql.Job, error)
	Cancel(ctx context.Context, id int64) (bool, error)
	Retry(ctx context.Context, id int64) (*mysql.Job, error)
}

// JobCanceller stops a job on the worker running it.
type JobCanceller interface {
	CancelJob(ctx context.Context, jobID int64) error
}

// JobHandler handles job operations
type JobHandler struct {
	jobs    JobStore
	workers JobCanceller
}

// NewJobHandler creates job handler
func NewJobHandler(jobs JobStore, workers JobCanceller) *JobHandler {
	return &JobHandler{jobs: jobs, workers: workers}
}

// SubmitJobRequest is the body of POST /api/v1/jobs.
type SubmitJobRequest struct {
	JobType     string                 `json:"job_type" binding:"required"`
	Priority    int                    `json:"priority"`
	SubmittedBy *int64                 `json:"submitted_by"`
	Parameters  map[string]interface{} `json:"parameters" binding:"required"`
}

// Submit queues a new Pending job.
func (h *JobHandler) Submit(c *gin.Context) {
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, ok := req.Parameters["workflow"]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "parameters.workflow is required"})
		return
	}

	job := &mysql.Job{
		JobType:     req.JobType,
		Status:      mysql.JobStatusPending,
		Priority:    req.Priority,
		SubmittedBy: req.SubmittedBy,
		Parameters:  mysql.JSONMap(req.Parameters),
	}
	if err := h.jobs.Create(c.Request.Context(), job); err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to submit job: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit job"})
		return
	}

	logger.InfoCtx(c.Request.Context(), "job %d submitted, type: %s, priority: %d", job.ID, job.JobType, job.Priority)
	c.JSON(http.StatusCreated, job)
}

// Get returns one job.
func (h *JobHandler) Get(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	job, err := h.jobs.Get(c.Request.Context(), id)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to get job %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// Cancel stops a running job on its worker, or cancels a queued job directly.
// The store transition for a running job follows from the worker's cancellation event.
func (h *JobHandler) Cancel(c *gin.Context) {
	ctx := c.Request.Context()
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	job, err := h.jobs.Get(ctx, id)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to get job %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if job.Status.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "job is already " + job.Status.String()})
		return
	}

	if job.Status == mysql.JobStatusRunning {
		err := h.workers.CancelJob(ctx, id)
		if err == nil {
			c.JSON(http.StatusAccepted, gin.H{"message": "cancellation requested"})
			return
		}
		if !errors.Is(err, worker.ErrNoActiveExecution) {
			logger.WarnCtx(ctx, "failed to cancel job %d on worker, cancelling locally: %v", id, err)
		}
	}

	cancelled, err := h.jobs.Cancel(ctx, id)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to cancel job %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "job already finished"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job cancelled"})
}

// Retry queues a fresh copy of a failed or cancelled job.
func (h *JobHandler) Retry(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	job, err := h.jobs.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if job.Status != mysql.JobStatusFailed && job.Status != mysql.JobStatusCancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "only failed or cancelled jobs can be retried"})
		return
	}

	retried, err := h.jobs.Retry(c.Request.Context(), id)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to retry job %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.InfoCtx(c.Request.Context(), "job %d retried as job %d", id, retried.ID)
	c.JSON(http.StatusCreated, retried)
}
