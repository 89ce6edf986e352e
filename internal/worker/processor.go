package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/cuongbtq/post-scheduler/internal/domain"
	"github.com/cuongbtq/post-scheduler/internal/events"
	"github.com/cuongbtq/post-scheduler/internal/platform"
)

// processJob publishes one claimed job with timeout and heartbeat, then
// records the outcome. Nothing escapes: a panic becomes a failure of this
// job only.
func (w *Worker) processJob(ctx context.Context, job *domain.Job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Job processing panicked",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
			)
			w.fail(ctx, job, fmt.Sprintf("internal error: %v", r))
		}
	}()

	w.logger.Info("Processing job",
		slog.String("job_id", job.ID),
		slog.String("user_id", job.UserID),
		slog.Int("attempt", job.Attempt),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	result, err := w.publish(ctx, job)
	w.handleOutcome(ctx, job, result, err)
}

func (w *Worker) publish(ctx context.Context, job *domain.Job) (*platform.Result, error) {
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.ID, heartbeatDone)
	defer close(heartbeatDone)

	return w.publisher.Publish(jobCtx, job.UserID, job.Payload)
}

// handleOutcome applies the retry policy:
//
//	success                  -> completed
//	session missing/expired  -> failed, no retry
//	permanent platform error -> failed, no retry
//	anything else            -> pending with backoff while attempts remain
func (w *Worker) handleOutcome(ctx context.Context, job *domain.Job, result *platform.Result, err error) {
	if err == nil {
		w.complete(ctx, job, result)
		return
	}

	w.logger.Warn("Job publish failed",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempt),
		slog.Any("error", err),
	)

	switch {
	case errors.Is(err, domain.ErrNotAuthenticated), errors.Is(err, domain.ErrReauthRequired):
		w.fail(ctx, job, domain.FailureMessage(err))
	case errors.Is(err, domain.ErrPermanentExternal):
		w.fail(ctx, job, domain.FailureMessage(err))
	case job.Attempt >= job.MaxAttempts:
		w.fail(ctx, job, fmt.Sprintf("giving up after %d attempts: %s", job.Attempt, domain.FailureMessage(err)))
	default:
		w.retry(ctx, job, err)
	}
}

func (w *Worker) complete(ctx context.Context, job *domain.Job, result *platform.Result) {
	now := w.now()
	batch, err := w.resolvePublished(ctx, job.ID, domain.Outcome{
		Status:          domain.JobStatusCompleted,
		ExternalPostID:  result.ExternalID,
		ExternalPostRef: result.ExternalRef,
	}, now)
	if err != nil {
		w.logger.Error("Failed to record published job",
			slog.String("job_id", job.ID),
			slog.String("external_post_id", result.ExternalID),
			slog.Any("error", err),
		)
		// the post is live; recovery completes the job from the parked id
		if err := w.store.RecordPublished(ctx, job.ID, result.ExternalID, result.ExternalRef, w.now()); err != nil {
			w.logger.Error("Failed to park external post id",
				slog.String("job_id", job.ID),
				slog.String("external_post_id", result.ExternalID),
				slog.Any("error", err),
			)
		}
		return
	}

	w.logger.Info("Job published",
		slog.String("job_id", job.ID),
		slog.String("external_post_id", result.ExternalID),
	)
	w.emitResolved(ctx, job, batch, events.JobCompleted, "", now)
}

// resolvePublished retries ResolveJob a few times with a short linear delay.
// Transition errors are final.
func (w *Worker) resolvePublished(ctx context.Context, id string, outcome domain.Outcome, now time.Time) (*domain.Batch, error) {
	var lastErr error
	for attempt := 1; attempt <= resolveAttempts; attempt++ {
		_, batch, err := w.store.ResolveJob(ctx, id, outcome, now)
		if err == nil {
			return batch, nil
		}
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		lastErr = err

		if attempt == resolveAttempts {
			break
		}
		w.logger.Warn("Retrying resolve of published job",
			slog.String("job_id", id),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return nil, errors.CombineErrors(lastErr, ctx.Err())
		case <-time.After(w.resolveDelay * time.Duration(attempt)):
		}
	}
	return nil, lastErr
}

func (w *Worker) fail(ctx context.Context, job *domain.Job, message string) {
	now := w.now()
	_, batch, err := w.store.ResolveJob(ctx, job.ID, domain.Outcome{
		Status:       domain.JobStatusFailed,
		ErrorMessage: message,
	}, now)
	if err != nil {
		w.logger.Error("Failed to record failed job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}

	w.logger.Warn("Job failed",
		slog.String("job_id", job.ID),
		slog.String("error_message", message),
	)
	w.emitResolved(ctx, job, batch, events.JobFailed, message, now)
}

func (w *Worker) retry(ctx context.Context, job *domain.Job, cause error) {
	now := w.now()
	next := now.Add(w.backoff(job.Attempt))

	if err := w.store.RescheduleJob(ctx, job.ID, next, domain.FailureMessage(cause), now); err != nil {
		w.logger.Error("Failed to reschedule job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}

	w.logger.Info("Job will be retried",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempt),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Time("next_run_at", next),
	)
	w.events.Publish(ctx, events.Event{
		Type:       events.JobRetrying,
		UserID:     job.UserID,
		JobID:      job.ID,
		BatchID:    deref(job.BatchID),
		Status:     string(domain.JobStatusPending),
		Attempt:    job.Attempt,
		NextRunAt:  &next,
		Error:      domain.FailureMessage(cause),
		OccurredAt: now,
	})
}

// backoff returns base * 2^attempt, capped at the configured maximum.
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.backoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= w.backoffMax {
			return w.backoffMax
		}
	}
	return delay
}

func (w *Worker) emitResolved(ctx context.Context, job *domain.Job, batch *domain.Batch, eventType, message string, now time.Time) {
	w.events.Publish(ctx, events.Event{
		Type:       eventType,
		UserID:     job.UserID,
		JobID:      job.ID,
		BatchID:    deref(job.BatchID),
		Attempt:    job.Attempt,
		Error:      message,
		OccurredAt: now,
	})

	if batch != nil && batch.Status == domain.BatchStatusCompleted && batch.Resolved() {
		w.logger.Info("Batch completed",
			slog.String("batch_id", batch.ID),
			slog.Int("completed_posts", batch.CompletedPosts),
			slog.Int("failed_posts", batch.FailedPosts),
		)
		w.events.Publish(ctx, events.Event{
			Type:       events.BatchCompleted,
			UserID:     batch.UserID,
			BatchID:    batch.ID,
			Status:     string(batch.Status),
			OccurredAt: now,
		})
	}
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.TouchJob(ctx, jobID, w.now()); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
