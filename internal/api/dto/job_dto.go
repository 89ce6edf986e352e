package dto

import (
	"time"

	"github.com/cuongbtq/post-scheduler/internal/domain"
)

// PostDTO is a draft post as sent by the content generation side.
type PostDTO struct {
	PostID  string `json:"post_id"`
	Content string `json:"content" binding:"required"`
	Topic   string `json:"topic"`
}

// CreateJobRequest schedules one post. Without scheduled_time the post is
// published on the next dispatcher tick.
type CreateJobRequest struct {
	PostDTO
	ScheduledTime *time.Time `json:"scheduled_time"`
}

type ListJobsRequest struct {
	BatchID  string `form:"batch_id"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID           string `json:"job_id"`
	BatchID         string `json:"batch_id,omitempty"`
	UserID          string `json:"user_id"`
	PostID          string `json:"post_id,omitempty"`
	Topic           string `json:"topic,omitempty"`
	Content         string `json:"content"`
	ScheduledTime   string `json:"scheduled_time"`
	Status          string `json:"status"`
	Attempt         int    `json:"attempt"`
	MaxAttempts     int    `json:"max_attempts"`
	PublishedAt     string `json:"published_at,omitempty"`
	ExternalPostID  string `json:"external_post_id,omitempty"`
	ExternalPostURL string `json:"external_post_url,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// NewJobDTO renders a job for the API.
func NewJobDTO(job *domain.Job) JobDTO {
	return JobDTO{
		JobID:           job.ID,
		BatchID:         deref(job.BatchID),
		UserID:          job.UserID,
		PostID:          job.PostID,
		Topic:           job.Topic,
		Content:         job.Payload,
		ScheduledTime:   job.ScheduledTime.Format(time.RFC3339),
		Status:          string(job.Status),
		Attempt:         job.Attempt,
		MaxAttempts:     job.MaxAttempts,
		PublishedAt:     formatTime(job.PublishedAt),
		ExternalPostID:  deref(job.ExternalPostID),
		ExternalPostURL: deref(job.ExternalPostRef),
		ErrorMessage:    deref(job.ErrorMessage),
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       job.UpdatedAt.Format(time.RFC3339),
	}
}

// NewJobDTOs renders a list of jobs.
func NewJobDTOs(jobs []domain.Job) []JobDTO {
	out := make([]JobDTO, len(jobs))
	for i := range jobs {
		out[i] = NewJobDTO(&jobs[i])
	}
	return out
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
