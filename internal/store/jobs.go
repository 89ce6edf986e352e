package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/post-scheduler/internal/domain"
)

const insertJobQuery = `
	INSERT INTO jobs (
		id, batch_id, user_id, post_id, topic, payload, scheduled_time,
		status, attempt, max_attempts, created_at, updated_at
	) VALUES (
		:id, :batch_id, :user_id, :post_id, :topic, :payload, :scheduled_time,
		:status, :attempt, :max_attempts, :created_at, :updated_at
	)
`

// CreateJob persists a standalone pending job.
func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) (string, error) {
	if _, err := s.db.NamedExecContext(ctx, insertJobQuery, job); err != nil {
		return "", errors.Wrap(err, "failed to create job")
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.Time("scheduled_time", job.ScheduledTime),
	)
	return job.ID, nil
}

// GetJob loads a job by id.
func (s *Storage) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	if err := validID("job", id); err != nil {
		return nil, err
	}

	var job domain.Job
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return &job, nil
}

// claimDueJobsQuery selects due jobs and flips them to processing in one
// statement. SKIP LOCKED makes concurrent claimers pass over rows another
// claimer holds, and the outer status predicate is the compare-and-set.
const claimDueJobsQuery = `
	UPDATE jobs
	SET status = 'processing',
	    attempt = attempt + 1,
	    claimed_at = $1,
	    heartbeat_at = $1,
	    updated_at = $1
	WHERE id IN (
		SELECT j.id
		FROM jobs j
		LEFT JOIN batches b ON b.id = j.batch_id
		WHERE j.status = 'pending'
		  AND j.scheduled_time <= $1
		  AND (j.batch_id IS NULL OR b.status = 'active')
		ORDER BY j.scheduled_time ASC
		LIMIT $2
		FOR UPDATE OF j SKIP LOCKED
	)
	  AND status = 'pending'
	RETURNING ` + jobColumns

// ClaimDueJobs atomically claims up to limit due jobs, oldest first.
// Jobs of paused batches are not claimed.
func (s *Storage) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, claimDueJobsQuery, now, limit); err != nil {
		return nil, errors.Wrap(err, "failed to claim due jobs")
	}

	// RETURNING does not preserve the subquery order
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].ScheduledTime.Before(jobs[j].ScheduledTime)
	})

	if len(jobs) > 0 {
		s.logger.Debug("Claimed due jobs", slog.Int("count", len(jobs)))
	}
	return jobs, nil
}

const resolveJobQuery = `
	UPDATE jobs
	SET status = $2::text,
	    published_at = CASE WHEN $2::text = 'completed' THEN $3::timestamptz ELSE NULL END,
	    external_post_id = $4,
	    external_post_ref = $5,
	    error_message = $6,
	    heartbeat_at = NULL,
	    updated_at = $3
	WHERE id = $1
	  AND status = 'processing'
	RETURNING ` + jobColumns

const bumpBatchCountersQuery = `
	UPDATE batches
	SET completed_posts = completed_posts + $2,
	    failed_posts = failed_posts + $3,
	    status = CASE
	        WHEN status IN ('active', 'paused') AND completed_posts + failed_posts + 1 = total_posts
	        THEN 'completed'
	        ELSE status
	    END,
	    updated_at = $4
	WHERE id = $1
	RETURNING ` + batchColumns

const upsertAnalyticsQuery = `
	INSERT INTO analytics (date, total_posts, successful_posts, failed_posts)
	VALUES ($1, 1, $2, $3)
	ON CONFLICT (date) DO UPDATE
	SET total_posts = analytics.total_posts + 1,
	    successful_posts = analytics.successful_posts + EXCLUDED.successful_posts,
	    failed_posts = analytics.failed_posts + EXCLUDED.failed_posts
`

// ResolveJob moves a processing job to completed or failed. The parent batch
// counters and the daily analytics record are updated in the same
// transaction. The returned batch is nil for standalone jobs.
func (s *Storage) ResolveJob(ctx context.Context, id string, outcome domain.Outcome, now time.Time) (*domain.Job, *domain.Batch, error) {
	if outcome.Status != domain.JobStatusCompleted && outcome.Status != domain.JobStatusFailed {
		return nil, nil, errors.Wrapf(domain.ErrInvalidTransition, "cannot resolve job %s as %s", id, outcome.Status)
	}
	if err := validID("job", id); err != nil {
		return nil, nil, err
	}

	var (
		job   domain.Job
		batch *domain.Batch
	)

	err := s.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &job, resolveJobQuery,
			id,
			string(outcome.Status),
			now,
			nullable(outcome.ExternalPostID),
			nullable(outcome.ExternalPostRef),
			nullable(outcome.ErrorMessage),
		)
		if errors.Is(err, sql.ErrNoRows) {
			return transitionError(ctx, tx, "jobs", "job", id, "resolve")
		}
		if err != nil {
			return errors.Wrapf(err, "failed to resolve job %s", id)
		}

		completed, failed := 0, 0
		if outcome.Status == domain.JobStatusCompleted {
			completed = 1
		} else {
			failed = 1
		}

		if job.BatchID != nil {
			var b domain.Batch
			if err := tx.GetContext(ctx, &b, bumpBatchCountersQuery, *job.BatchID, completed, failed, now); err != nil {
				return errors.Wrapf(err, "failed to update counters of batch %s", *job.BatchID)
			}
			batch = &b
		}

		day := now.UTC().Format(time.DateOnly)
		if _, err := tx.ExecContext(ctx, upsertAnalyticsQuery, day, completed, failed); err != nil {
			return errors.Wrapf(err, "failed to record analytics for %s", day)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("Job resolved",
		slog.String("job_id", id),
		slog.String("status", string(outcome.Status)),
	)
	return &job, batch, nil
}

// RescheduleJob returns a processing job to pending at next, keeping the
// error of the failed attempt.
func (s *Storage) RescheduleJob(ctx context.Context, id string, next time.Time, errMsg string, now time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'pending',
		    scheduled_time = $2,
		    error_message = $3,
		    claimed_at = NULL,
		    heartbeat_at = NULL,
		    updated_at = $4
		WHERE id = $1
		  AND status = 'processing'
	`
	return s.execTransition(ctx, "reschedule", id, query, id, next, nullable(errMsg), now)
}

// ReleaseJob returns a claimed job that was never attempted to pending and
// gives back its attempt.
func (s *Storage) ReleaseJob(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'pending',
		    attempt = GREATEST(attempt - 1, 0),
		    claimed_at = NULL,
		    heartbeat_at = NULL,
		    updated_at = $2
		WHERE id = $1
		  AND status = 'processing'
	`
	return s.execTransition(ctx, "release", id, query, id, now)
}

// TouchJob refreshes the heartbeat of a processing job.
func (s *Storage) TouchJob(ctx context.Context, id string, now time.Time) error {
	query := `UPDATE jobs SET heartbeat_at = $2 WHERE id = $1 AND status = 'processing'`
	return s.execTransition(ctx, "heartbeat", id, query, id, now)
}

// CancelJob cancels a pending job. A cancelled child leaves its batch's
// total, so the batch can still complete once the remaining jobs resolve.
func (s *Storage) CancelJob(ctx context.Context, id string, now time.Time) (*domain.Job, error) {
	if err := validID("job", id); err != nil {
		return nil, err
	}

	var job domain.Job
	err := s.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &job, `
			UPDATE jobs
			SET status = 'cancelled', updated_at = $2
			WHERE id = $1 AND status = 'pending'
			RETURNING `+jobColumns, id, now)
		if errors.Is(err, sql.ErrNoRows) {
			return transitionError(ctx, tx, "jobs", "job", id, "cancel")
		}
		if err != nil {
			return errors.Wrapf(err, "failed to cancel job %s", id)
		}

		if job.BatchID == nil {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE batches
			SET total_posts = total_posts - 1,
			    status = CASE
			        WHEN status NOT IN ('active', 'paused') THEN status
			        WHEN total_posts - 1 = 0 THEN 'cancelled'
			        WHEN completed_posts + failed_posts = total_posts - 1 THEN 'completed'
			        ELSE status
			    END,
			    updated_at = $2
			WHERE id = $1
		`, *job.BatchID, now)
		if err != nil {
			return errors.Wrapf(err, "failed to shrink batch %s", *job.BatchID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job cancelled", slog.String("job_id", id))
	return &job, nil
}

// RecordPublished parks the platform ids on a processing job whose publish
// succeeded but could not be resolved. Recovery completes such a job instead
// of publishing it again.
func (s *Storage) RecordPublished(ctx context.Context, id, externalID, externalRef string, now time.Time) error {
	query := `
		UPDATE jobs
		SET external_post_id = $2,
		    external_post_ref = $3,
		    updated_at = $4
		WHERE id = $1
		  AND status = 'processing'
	`
	return s.execTransition(ctx, "record publish of", id, query, id, externalID, nullable(externalRef), now)
}

// RecoverStuckJobs re-queues processing jobs whose heartbeat is older than
// staleBefore. Jobs that already used all attempts, or that carry an
// external post id, are returned instead for the caller to resolve.
func (s *Storage) RecoverStuckJobs(ctx context.Context, staleBefore, now time.Time) ([]string, []domain.Job, error) {
	var requeued []string
	err := s.db.SelectContext(ctx, &requeued, `
		UPDATE jobs
		SET status = 'pending',
		    claimed_at = NULL,
		    heartbeat_at = NULL,
		    updated_at = $2
		WHERE status = 'processing'
		  AND COALESCE(heartbeat_at, claimed_at, updated_at) < $1
		  AND attempt < max_attempts
		  AND external_post_id IS NULL
		RETURNING id
	`, staleBefore, now)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to requeue stuck jobs")
	}

	var stranded []domain.Job
	err = s.db.SelectContext(ctx, &stranded, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'processing'
		  AND COALESCE(heartbeat_at, claimed_at, updated_at) < $1
		  AND (attempt >= max_attempts OR external_post_id IS NOT NULL)
	`, staleBefore)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load stranded stuck jobs")
	}

	if len(requeued) > 0 || len(stranded) > 0 {
		s.logger.Warn("Recovered stuck jobs",
			slog.Int("requeued", len(requeued)),
			slog.Int("stranded", len(stranded)),
		)
	}
	return requeued, stranded, nil
}

// JobFilter narrows ListJobs. Results are ordered newest first.
type JobFilter struct {
	UserID   string
	BatchID  string
	Status   domain.JobStatus
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position of the last row of a page.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns up to PageSize+1 jobs so callers can detect a next page.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}

	if filter.BatchID != "" {
		if err := validID("batch", filter.BatchID); err != nil {
			return nil, err
		}
		query += fmt.Sprintf(" AND batch_id = $%d", argIdx)
		args = append(args, filter.BatchID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	return jobs, nil
}

// GetDueCount counts pending jobs whose time has come.
func (s *Storage) GetDueCount(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM jobs WHERE status = 'pending' AND scheduled_time <= $1`, now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count due jobs")
	}
	return n, nil
}

// GetStats aggregates job counts per status.
func (s *Storage) GetStats(ctx context.Context) (*domain.QueueStats, error) {
	var stats domain.QueueStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending')    AS pending,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'completed')  AS completed,
			COUNT(*) FILTER (WHERE status = 'failed')     AS failed,
			COUNT(*) FILTER (WHERE status = 'cancelled')  AS cancelled
		FROM jobs
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get queue stats")
	}
	return &stats, nil
}

// PurgeResolvedJobs deletes completed and failed jobs last updated before
// olderThan. Batch counters keep their totals.
func (s *Storage) PurgeResolvedJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed')
		  AND updated_at < $1
	`, olderThan)
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge resolved jobs")
	}
	return res.RowsAffected()
}

// execTransition runs a conditional single-row UPDATE and explains a miss.
func (s *Storage) execTransition(ctx context.Context, action, id, query string, args ...interface{}) error {
	if err := validID("job", id); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to %s job %s", action, id)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rowsAffected == 0 {
		return transitionError(ctx, s.db, "jobs", "job", id, action)
	}
	return nil
}
