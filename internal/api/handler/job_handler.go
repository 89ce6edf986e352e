package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/post-scheduler/internal/api/dto"
	"github.com/cuongbtq/post-scheduler/internal/domain"
	"github.com/cuongbtq/post-scheduler/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Schedules a single post, or queues it for immediate publishing when no
// scheduled_time is given.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body", slog.String("error", err.Error()))
		badRequest(c, "Invalid request body")
		return
	}

	post := toPost(req.PostDTO)
	user := userID(c)

	var (
		job *domain.Job
		err error
	)
	if req.ScheduledTime == nil {
		job, err = h.scheduler.PublishNow(c.Request.Context(), user, post)
	} else {
		job, err = h.scheduler.ScheduleOne(c.Request.Context(), user, post, *req.ScheduledTime)
	}
	if err != nil {
		respondError(c, h.logger, "Failed to create job", err)
		return
	}

	h.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("user_id", user),
		slog.Time("scheduled_time", job.ScheduledTime),
	)
	c.JSON(http.StatusCreated, dto.NewJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := uuidParam(c, "job_id")
	if !ok {
		return
	}

	job, err := h.scheduler.GetJob(c.Request.Context(), userID(c), jobID)
	if err != nil {
		respondError(c, h.logger, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists the caller's jobs, newest first, with cursor pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Debug("Invalid query parameters", slog.String("error", err.Error()))
		badRequest(c, "Invalid query parameters")
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}

	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	status := domain.JobStatus(req.Status)
	switch status {
	case "", domain.JobStatusPending, domain.JobStatusProcessing, domain.JobStatusCompleted,
		domain.JobStatusFailed, domain.JobStatusCancelled:
	default:
		badRequest(c, "Invalid status")
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Debug("Invalid cursor", slog.String("error", err.Error()))
		badRequest(c, "Invalid cursor")
		return
	}

	filter := store.JobFilter{
		BatchID:  req.BatchID,
		Status:   status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.scheduler.ListJobs(c.Request.Context(), userID(c), filter)
	if err != nil {
		respondError(c, h.logger, "Failed to list jobs", err)
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&store.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       dto.NewJobDTOs(jobs),
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Only pending jobs can be cancelled.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := uuidParam(c, "job_id")
	if !ok {
		return
	}

	job, err := h.scheduler.CancelJob(c.Request.Context(), userID(c), jobID)
	if err != nil {
		respondError(c, h.logger, "Failed to cancel job", err)
		return
	}

	h.logger.Info("Job cancelled", slog.String("job_id", jobID))
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

func toPost(p dto.PostDTO) domain.Post {
	id := p.PostID
	if id == "" {
		id = uuid.NewString()
	}
	return domain.Post{ID: id, Content: p.Content, Topic: p.Topic}
}

func uuidParam(c *gin.Context, name string) (string, bool) {
	id := c.Param(name)
	if _, err := uuid.Parse(id); err != nil {
		badRequest(c, name+" must be a valid UUID")
		return "", false
	}
	return id, true
}
