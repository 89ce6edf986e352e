package dto

import (
	"time"

	"github.com/cuongbtq/post-scheduler/internal/domain"
)

type CreateBatchRequest struct {
	Name      string    `json:"name"`
	DailyTime string    `json:"daily_time" binding:"required"`
	Posts     []PostDTO `json:"posts" binding:"required,min=1,dive"`
}

type BatchDTO struct {
	BatchID        string `json:"batch_id"`
	Name           string `json:"name"`
	DailyTime      string `json:"daily_time"`
	Timezone       string `json:"timezone"`
	Status         string `json:"status"`
	TotalPosts     int    `json:"total_posts"`
	CompletedPosts int    `json:"completed_posts"`
	FailedPosts    int    `json:"failed_posts"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

type BatchStatusResponse struct {
	Batch BatchDTO `json:"batch"`
	Jobs  []JobDTO `json:"jobs"`
}

type ListBatchesResponse struct {
	Batches []BatchDTO `json:"batches"`
}

func NewBatchDTO(batch *domain.Batch) BatchDTO {
	return BatchDTO{
		BatchID:        batch.ID,
		Name:           batch.Name,
		DailyTime:      batch.ScheduleTime,
		Timezone:       batch.Timezone,
		Status:         string(batch.Status),
		TotalPosts:     batch.TotalPosts,
		CompletedPosts: batch.CompletedPosts,
		FailedPosts:    batch.FailedPosts,
		CreatedAt:      batch.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      batch.UpdatedAt.Format(time.RFC3339),
	}
}

type AnalyticsRequest struct {
	From string `form:"from" binding:"required"`
	To   string `form:"to" binding:"required"`
}

type AnalyticsDTO struct {
	Date            string `json:"date"`
	TotalPosts      int    `json:"total_posts"`
	SuccessfulPosts int    `json:"successful_posts"`
	FailedPosts     int    `json:"failed_posts"`
	TotalEngagement int64  `json:"total_engagement"`
}

type AnalyticsResponse struct {
	Days []AnalyticsDTO `json:"days"`
}

func NewAnalyticsResponse(records []domain.AnalyticsRecord) AnalyticsResponse {
	days := make([]AnalyticsDTO, len(records))
	for i, r := range records {
		days[i] = AnalyticsDTO{
			Date:            r.Date.Format(time.DateOnly),
			TotalPosts:      r.TotalPosts,
			SuccessfulPosts: r.SuccessfulPosts,
			FailedPosts:     r.FailedPosts,
			TotalEngagement: r.TotalEngagement,
		}
	}
	return AnalyticsResponse{Days: days}
}
