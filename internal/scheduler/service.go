// Package scheduler turns drafts into scheduled jobs and batches and exposes
// their status to the API layer.
package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/cuongbtq/post-scheduler/internal/domain"
	"github.com/cuongbtq/post-scheduler/internal/events"
	"github.com/cuongbtq/post-scheduler/internal/store"
)

// Store is the part of the job store used by the scheduler.
type Store interface {
	CreateJob(ctx context.Context, job *domain.Job) (string, error)
	CreateBatch(ctx context.Context, batch *domain.Batch, jobs []domain.Job) (string, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	CancelJob(ctx context.Context, id string, now time.Time) (*domain.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]domain.Job, error)
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	ListBatches(ctx context.Context, userID string) ([]domain.Batch, error)
	ListBatchJobs(ctx context.Context, batchID string) ([]domain.Job, error)
	CancelBatch(ctx context.Context, id string, now time.Time) (*domain.CancelSummary, error)
	SetBatchStatus(ctx context.Context, id string, from, to domain.BatchStatus, now time.Time) (*domain.Batch, error)
	GetDueCount(ctx context.Context, now time.Time) (int, error)
	GetStats(ctx context.Context) (*domain.QueueStats, error)
	GetAnalytics(ctx context.Context, from, to time.Time) ([]domain.AnalyticsRecord, error)
}

// Config holds scheduling rules.
type Config struct {
	Location         *time.Location
	MaxAttempts      int
	MaxBatchSize     int
	MaxContentLength int
}

// BatchStatus is a batch with its jobs.
type BatchStatus struct {
	Batch *domain.Batch
	Jobs  []domain.Job
}

// Service is the batch orchestrator.
type Service struct {
	store  Store
	events events.Publisher
	config Config
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(store Store, publisher events.Publisher, config Config, logger *slog.Logger) *Service {
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	return &Service{
		store:  store,
		events: publisher,
		config: config,
		now:    time.Now,
		logger: logger,
	}
}

// ScheduleOne schedules a single post at a future time.
func (s *Service) ScheduleOne(ctx context.Context, userID string, post domain.Post, at time.Time) (*domain.Job, error) {
	now := s.now()
	if !at.After(now) {
		return nil, errors.WithHint(
			errors.Wrapf(domain.ErrInvalidSchedule, "scheduled time %s is not in the future", at.Format(time.RFC3339)),
			"pick a time after now",
		)
	}
	return s.createJob(ctx, userID, post, at, now)
}

// PublishNow queues a post for the next dispatcher tick.
func (s *Service) PublishNow(ctx context.Context, userID string, post domain.Post) (*domain.Job, error) {
	now := s.now()
	return s.createJob(ctx, userID, post, now, now)
}

func (s *Service) createJob(ctx context.Context, userID string, post domain.Post, at, now time.Time) (*domain.Job, error) {
	if err := s.validatePost(post); err != nil {
		return nil, err
	}

	job := s.newJob(userID, post, at, now)
	if _, err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	s.events.Publish(ctx, events.Event{
		Type:       events.JobScheduled,
		UserID:     userID,
		JobID:      job.ID,
		Status:     string(job.Status),
		OccurredAt: now,
	})
	return job, nil
}

// ScheduleBatch schedules one post per day at dailyTime, starting tomorrow.
func (s *Service) ScheduleBatch(ctx context.Context, userID, name string, posts []domain.Post, dailyTime string) (*BatchStatus, error) {
	if len(posts) == 0 {
		return nil, errors.Wrap(domain.ErrInvalidInput, "batch needs at least one post")
	}
	if s.config.MaxBatchSize > 0 && len(posts) > s.config.MaxBatchSize {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "batch of %d posts exceeds the limit of %d", len(posts), s.config.MaxBatchSize)
	}
	for i, post := range posts {
		if err := s.validatePost(post); err != nil {
			return nil, errors.Wrapf(err, "post %d", i)
		}
	}

	now := s.now()
	times, err := ComputeSchedule(now, s.config.Location, dailyTime, len(posts))
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(name) == "" {
		name = "Batch " + times[0].Format(time.DateOnly)
	}

	batch := &domain.Batch{
		ID:           uuid.NewString(),
		UserID:       userID,
		Name:         name,
		ScheduleTime: dailyTime,
		Timezone:     s.config.Location.String(),
		TotalPosts:   len(posts),
		Status:       domain.BatchStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	jobs := make([]domain.Job, len(posts))
	for i, post := range posts {
		job := s.newJob(userID, post, times[i], now)
		job.BatchID = &batch.ID
		jobs[i] = *job
	}

	if _, err := s.store.CreateBatch(ctx, batch, jobs); err != nil {
		return nil, err
	}

	s.logger.Info("Batch scheduled",
		slog.String("batch_id", batch.ID),
		slog.String("user_id", userID),
		slog.Int("posts", len(posts)),
		slog.Time("first_run", times[0]),
	)
	s.events.Publish(ctx, events.Event{
		Type:       events.BatchScheduled,
		UserID:     userID,
		BatchID:    batch.ID,
		Status:     string(batch.Status),
		OccurredAt: now,
	})

	return &BatchStatus{Batch: batch, Jobs: jobs}, nil
}

// CancelJob cancels a pending job of the user.
func (s *Service) CancelJob(ctx context.Context, userID, jobID string) (*domain.Job, error) {
	if _, err := s.GetJob(ctx, userID, jobID); err != nil {
		return nil, err
	}

	now := s.now()
	job, err := s.store.CancelJob(ctx, jobID, now)
	if err != nil {
		return nil, err
	}

	event := events.Event{
		Type:       events.JobCancelled,
		UserID:     userID,
		JobID:      job.ID,
		Status:     string(job.Status),
		OccurredAt: now,
	}
	if job.BatchID != nil {
		event.BatchID = *job.BatchID
	}
	s.events.Publish(ctx, event)
	return job, nil
}

// CancelBatch cancels the pending jobs of a batch. Jobs already published
// stay published.
func (s *Service) CancelBatch(ctx context.Context, userID, batchID string) (*domain.CancelSummary, error) {
	if _, err := s.ownedBatch(ctx, userID, batchID); err != nil {
		return nil, err
	}

	now := s.now()
	summary, err := s.store.CancelBatch(ctx, batchID, now)
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, events.Event{
		Type:       events.BatchCancelled,
		UserID:     userID,
		BatchID:    batchID,
		Status:     string(domain.BatchStatusCancelled),
		OccurredAt: now,
	})
	return summary, nil
}

// PauseBatch stops the dispatcher from claiming the batch's jobs.
func (s *Service) PauseBatch(ctx context.Context, userID, batchID string) (*domain.Batch, error) {
	return s.moveBatch(ctx, userID, batchID, domain.BatchStatusActive, domain.BatchStatusPaused, events.BatchPaused)
}

// ResumeBatch makes a paused batch claimable again. Jobs whose time passed
// while paused run on the next tick.
func (s *Service) ResumeBatch(ctx context.Context, userID, batchID string) (*domain.Batch, error) {
	return s.moveBatch(ctx, userID, batchID, domain.BatchStatusPaused, domain.BatchStatusActive, events.BatchResumed)
}

func (s *Service) moveBatch(ctx context.Context, userID, batchID string, from, to domain.BatchStatus, eventType string) (*domain.Batch, error) {
	if _, err := s.ownedBatch(ctx, userID, batchID); err != nil {
		return nil, err
	}

	now := s.now()
	batch, err := s.store.SetBatchStatus(ctx, batchID, from, to, now)
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, events.Event{
		Type:       eventType,
		UserID:     userID,
		BatchID:    batchID,
		Status:     string(batch.Status),
		OccurredAt: now,
	})
	return batch, nil
}

// GetJob returns a job of the user.
func (s *Service) GetJob(ctx context.Context, userID, jobID string) (*domain.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, errors.Wrapf(domain.ErrNotFound, "job %s", jobID)
	}
	return job, nil
}

// GetBatchStatus returns a batch of the user with its jobs.
func (s *Service) GetBatchStatus(ctx context.Context, userID, batchID string) (*BatchStatus, error) {
	batch, err := s.ownedBatch(ctx, userID, batchID)
	if err != nil {
		return nil, err
	}

	jobs, err := s.store.ListBatchJobs(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return &BatchStatus{Batch: batch, Jobs: jobs}, nil
}

// ListBatches returns the batches of the user.
func (s *Service) ListBatches(ctx context.Context, userID string) ([]domain.Batch, error) {
	return s.store.ListBatches(ctx, userID)
}

// ListJobs returns a page of the user's jobs. The filter's user is forced to
// userID.
func (s *Service) ListJobs(ctx context.Context, userID string, filter store.JobFilter) ([]domain.Job, error) {
	filter.UserID = userID
	return s.store.ListJobs(ctx, filter)
}

// QueueStats reports job counts per status plus the number of due jobs.
func (s *Service) QueueStats(ctx context.Context) (*domain.QueueStats, error) {
	stats, err := s.store.GetStats(ctx)
	if err != nil {
		return nil, err
	}

	due, err := s.store.GetDueCount(ctx, s.now())
	if err != nil {
		return nil, err
	}
	stats.Due = due
	return stats, nil
}

// Analytics returns daily publishing counters for the date range.
func (s *Service) Analytics(ctx context.Context, from, to time.Time) ([]domain.AnalyticsRecord, error) {
	if to.Before(from) {
		return nil, errors.Wrap(domain.ErrInvalidInput, "range end is before its start")
	}
	return s.store.GetAnalytics(ctx, from, to)
}

func (s *Service) ownedBatch(ctx context.Context, userID, batchID string) (*domain.Batch, error) {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.UserID != userID {
		return nil, errors.Wrapf(domain.ErrNotFound, "batch %s", batchID)
	}
	return batch, nil
}

func (s *Service) validatePost(post domain.Post) error {
	if strings.TrimSpace(post.Content) == "" {
		return errors.Wrap(domain.ErrInvalidInput, "post content is empty")
	}
	if s.config.MaxContentLength > 0 && utf8.RuneCountInString(post.Content) > s.config.MaxContentLength {
		return errors.Wrapf(domain.ErrInvalidInput, "post content exceeds %d characters", s.config.MaxContentLength)
	}
	return nil
}

func (s *Service) newJob(userID string, post domain.Post, at, now time.Time) *domain.Job {
	return &domain.Job{
		ID:            uuid.NewString(),
		UserID:        userID,
		PostID:        post.ID,
		Topic:         post.Topic,
		Payload:       post.Content,
		ScheduledTime: at,
		Status:        domain.JobStatusPending,
		MaxAttempts:   s.config.MaxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
