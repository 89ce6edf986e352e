package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Post is the draft handed over by the content generation side.
// Content is copied into the job payload when the job is scheduled.
type Post struct {
	ID      string
	Content string
	Topic   string
}

// Job is one scheduled publish operation.
type Job struct {
	ID              string     `db:"id"`
	BatchID         *string    `db:"batch_id"`
	UserID          string     `db:"user_id"`
	PostID          string     `db:"post_id"`
	Topic           string     `db:"topic"`
	Payload         string     `db:"payload"`
	ScheduledTime   time.Time  `db:"scheduled_time"`
	Status          JobStatus  `db:"status"`
	Attempt         int        `db:"attempt"`
	MaxAttempts     int        `db:"max_attempts"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	ClaimedAt       *time.Time `db:"claimed_at"`
	HeartbeatAt     *time.Time `db:"heartbeat_at"`
	PublishedAt     *time.Time `db:"published_at"`
	ExternalPostID  *string    `db:"external_post_id"`
	ExternalPostRef *string    `db:"external_post_ref"`
	ErrorMessage    *string    `db:"error_message"`
}

// Batch is a named group of jobs created together on a daily cadence.
type Batch struct {
	ID             string      `db:"id"`
	UserID         string      `db:"user_id"`
	Name           string      `db:"name"`
	ScheduleTime   string      `db:"schedule_time"`
	Timezone       string      `db:"timezone"`
	TotalPosts     int         `db:"total_posts"`
	CompletedPosts int         `db:"completed_posts"`
	FailedPosts    int         `db:"failed_posts"`
	Status         BatchStatus `db:"status"`
	CreatedAt      time.Time   `db:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at"`
}

// Resolved reports whether every child job has reached completed or failed.
func (b *Batch) Resolved() bool {
	return b.CompletedPosts+b.FailedPosts == b.TotalPosts
}

// Outcome is the final result of a job, applied by ResolveJob.
type Outcome struct {
	Status          JobStatus
	ExternalPostID  string
	ExternalPostRef string
	ErrorMessage    string
}

// CancelSummary reports what a batch cancellation left behind.
type CancelSummary struct {
	BatchID   string `json:"batch_id"`
	Published int    `json:"published"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}

// QueueStats aggregates job counts for observability.
type QueueStats struct {
	Pending    int `db:"pending" json:"pending"`
	Processing int `db:"processing" json:"processing"`
	Completed  int `db:"completed" json:"completed"`
	Failed     int `db:"failed" json:"failed"`
	Cancelled  int `db:"cancelled" json:"cancelled"`
	Due        int `db:"-" json:"due"`
}

// AnalyticsRecord holds the daily publishing counters.
type AnalyticsRecord struct {
	Date            time.Time `db:"date"`
	TotalPosts      int       `db:"total_posts"`
	SuccessfulPosts int       `db:"successful_posts"`
	FailedPosts     int       `db:"failed_posts"`
	TotalEngagement int64     `db:"total_engagement"`
}

// Profile is the identity cached for an external account.
type Profile struct {
	Subject string `json:"sub"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
}

// Value implements driver.Valuer, storing the profile as JSON.
func (p Profile) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *Profile) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("unsupported profile column type %T", src)
	}
}

// Session is the external account credential bundle of one user.
type Session struct {
	UserID       string    `db:"user_id"`
	AccessToken  string    `db:"access_token"`
	RefreshToken *string   `db:"refresh_token"`
	ExpiresAt    time.Time `db:"expires_at"`
	Profile      *Profile  `db:"profile"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Expired reports whether the access token is unusable at now, treating
// tokens that expire within skew as already expired.
func (s *Session) Expired(now time.Time, skew time.Duration) bool {
	return !now.Add(skew).Before(s.ExpiresAt)
}

// HasRefreshToken reports whether a refresh exchange is possible.
func (s *Session) HasRefreshToken() bool {
	return s.RefreshToken != nil && *s.RefreshToken != ""
}
