package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/post-scheduler/internal/api/dto"
	"github.com/cuongbtq/post-scheduler/internal/domain"
	"github.com/gin-gonic/gin"
)

// CreateBatch handles POST /api/v1/batches
// Schedules one post per day at daily_time, starting tomorrow.
func (h *BatchHandler) CreateBatch(c *gin.Context) {
	var req dto.CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body", slog.String("error", err.Error()))
		badRequest(c, "Invalid request body")
		return
	}

	posts := make([]domain.Post, len(req.Posts))
	for i, p := range req.Posts {
		posts[i] = toPost(p)
	}

	status, err := h.scheduler.ScheduleBatch(c.Request.Context(), userID(c), req.Name, posts, req.DailyTime)
	if err != nil {
		respondError(c, h.logger, "Failed to create batch", err)
		return
	}

	c.JSON(http.StatusCreated, dto.BatchStatusResponse{
		Batch: dto.NewBatchDTO(status.Batch),
		Jobs:  dto.NewJobDTOs(status.Jobs),
	})
}

// ListBatches handles GET /api/v1/batches
func (h *BatchHandler) ListBatches(c *gin.Context) {
	batches, err := h.scheduler.ListBatches(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, h.logger, "Failed to list batches", err)
		return
	}

	resp := dto.ListBatchesResponse{Batches: make([]dto.BatchDTO, len(batches))}
	for i := range batches {
		resp.Batches[i] = dto.NewBatchDTO(&batches[i])
	}
	c.JSON(http.StatusOK, resp)
}

// GetBatch handles GET /api/v1/batches/:batch_id
func (h *BatchHandler) GetBatch(c *gin.Context) {
	batchID, ok := uuidParam(c, "batch_id")
	if !ok {
		return
	}

	status, err := h.scheduler.GetBatchStatus(c.Request.Context(), userID(c), batchID)
	if err != nil {
		respondError(c, h.logger, "Failed to get batch", err)
		return
	}

	c.JSON(http.StatusOK, dto.BatchStatusResponse{
		Batch: dto.NewBatchDTO(status.Batch),
		Jobs:  dto.NewJobDTOs(status.Jobs),
	})
}

// CancelBatch handles POST /api/v1/batches/:batch_id/cancel
func (h *BatchHandler) CancelBatch(c *gin.Context) {
	batchID, ok := uuidParam(c, "batch_id")
	if !ok {
		return
	}

	summary, err := h.scheduler.CancelBatch(c.Request.Context(), userID(c), batchID)
	if err != nil {
		respondError(c, h.logger, "Failed to cancel batch", err)
		return
	}

	h.logger.Info("Batch cancelled",
		slog.String("batch_id", batchID),
		slog.Int("skipped", summary.Skipped),
	)
	c.JSON(http.StatusOK, summary)
}

// PauseBatch handles POST /api/v1/batches/:batch_id/pause
func (h *BatchHandler) PauseBatch(c *gin.Context) {
	h.moveBatch(c, "Failed to pause batch", h.scheduler.PauseBatch)
}

// ResumeBatch handles POST /api/v1/batches/:batch_id/resume
func (h *BatchHandler) ResumeBatch(c *gin.Context) {
	h.moveBatch(c, "Failed to resume batch", h.scheduler.ResumeBatch)
}

func (h *BatchHandler) moveBatch(c *gin.Context, msg string, move func(ctx context.Context, userID, batchID string) (*domain.Batch, error)) {
	batchID, ok := uuidParam(c, "batch_id")
	if !ok {
		return
	}

	batch, err := move(c.Request.Context(), userID(c), batchID)
	if err != nil {
		respondError(c, h.logger, msg, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewBatchDTO(batch))
}
