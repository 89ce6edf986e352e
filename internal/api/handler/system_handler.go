package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/post-scheduler/internal/api/dto"
	"github.com/gin-gonic/gin"
)

// Health handles GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	if err := h.database.HealthCheck(c.Request.Context()); err != nil {
		h.logger.Warn("Health check failed", slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"service": h.serviceName,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": h.serviceName,
		"db_pool": h.database.Stats(),
	})
}

// QueueStats handles GET /api/v1/queue/stats
func (h *SystemHandler) QueueStats(c *gin.Context) {
	stats, err := h.scheduler.QueueStats(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "Failed to get queue stats", err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// Analytics handles GET /api/v1/analytics?from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *SystemHandler) Analytics(c *gin.Context) {
	var req dto.AnalyticsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, "from and to are required")
		return
	}

	from, err := time.Parse(time.DateOnly, req.From)
	if err != nil {
		badRequest(c, "from must be a YYYY-MM-DD date")
		return
	}

	to, err := time.Parse(time.DateOnly, req.To)
	if err != nil {
		badRequest(c, "to must be a YYYY-MM-DD date")
		return
	}

	records, err := h.scheduler.Analytics(c.Request.Context(), from, to)
	if err != nil {
		respondError(c, h.logger, "Failed to get analytics", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewAnalyticsResponse(records))
}
