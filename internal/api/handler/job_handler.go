package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/api/dto"
	"github.com/cuongbtq/fleet-jobs/internal/domain"
	"github.com/cuongbtq/fleet-jobs/internal/orchestrator"
	"github.com/cuongbtq/fleet-jobs/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Persists a job with its targets and schedules it on the worker queue
func (h *JobHandler) CreateJob(c *gin.Context) {
	h.logger.Info("CreateJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("X-Idempotency-Key")
	}

	targets := make([]domain.TargetSpec, len(req.Targets))
	for i, t := range req.Targets {
		targets[i] = domain.TargetSpec{
			TargetKey:    t.TargetKey,
			AgentID:      t.AgentID,
			AgentAddress: t.AgentAddress,
			PayloadRef:   t.PayloadRef,
		}
	}

	job, err := h.orchestrator.Submit(c.Request.Context(), orchestrator.SubmitRequest{
		IdempotencyKey: req.IdempotencyKey,
		Kind:           domain.JobKind(req.Kind),
		EventID:        req.EventID,
		TimeoutSeconds: req.TimeoutSeconds,
		Targets:        targets,
	})
	if err != nil {
		h.writeError(c, "Failed to create job", err)
		return
	}

	c.JSON(http.StatusCreated, dto.CreateJobResponse{
		JobID:  job.JobID,
		Status: string(job.Status),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves a job together with its targets
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	h.logger.Info("GetJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	view, err := h.orchestrator.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "Failed to get job", err)
		return
	}

	out := toJobDTO(view.Job)
	out.Targets = make([]dto.TargetDTO, len(view.Targets))
	for i := range view.Targets {
		out.Targets[i] = toTargetDTO(&view.Targets[i])
	}
	c.JSON(http.StatusOK, out)
}

// ListEventJobs handles GET /api/v1/events/:event_id/jobs
// Lists the jobs of one event, newest first, with cursor pagination
func (h *JobHandler) ListEventJobs(c *gin.Context) {
	eventID := c.Param("event_id")

	h.logger.Info("ListEventJobs called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	kind := domain.JobKind(req.Kind)
	if req.Kind != "" && !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind"})
		return
	}
	status := domain.JobStatus(req.Status)
	if req.Status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.orchestrator.ListJobsByEvent(c.Request.Context(), eventID, storage.JobFilter{
		Kind:     kind,
		Status:   status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.writeError(c, "Failed to list jobs", err)
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Requests cancellation; the worker stops before the next dispatch
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	h.logger.Info("CancelJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.orchestrator.Cancel(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "Failed to cancel job", err)
		return
	}

	c.JSON(http.StatusAccepted, toJobDTO(job))
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	return dto.JobDTO{
		JobID:           job.JobID,
		Kind:            string(job.Kind),
		EventID:         job.EventID,
		Status:          string(job.Status),
		TimeoutSeconds:  job.TimeoutSeconds,
		ErrorMessage:    job.ErrorMessage,
		CancelRequested: job.CancelRequested(),
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       job.UpdatedAt.Format(time.RFC3339),
		StartTime:       formatTime(job.StartTime),
		EndTime:         formatTime(job.EndTime),
		Deadline:        formatTime(job.Deadline),
	}
}

func toTargetDTO(t *domain.Target) dto.TargetDTO {
	out := dto.TargetDTO{
		TargetKey:    t.TargetKey,
		Position:     t.Position,
		AgentID:      t.AgentID,
		AgentAddress: t.AgentAddress,
		PayloadRef:   t.PayloadRef,
		Status:       string(t.Status),
		PollAttempts: t.PollAttempts,
		Output:       t.Output,
		DispatchedAt: formatTime(t.DispatchedAt),
		CompletedAt:  formatTime(t.CompletedAt),
	}
	if t.CommandID != nil {
		out.CommandID = *t.CommandID
	}
	return out
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
