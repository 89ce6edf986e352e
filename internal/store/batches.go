package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/post-scheduler/internal/domain"
)

// CreateBatch persists a batch and all its child jobs in one transaction.
func (s *Storage) CreateBatch(ctx context.Context, batch *domain.Batch, jobs []domain.Job) (string, error) {
	if len(jobs) == 0 {
		return "", errors.Wrap(domain.ErrInvalidInput, "batch has no jobs")
	}

	err := s.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO batches (
				id, user_id, name, schedule_time, timezone, total_posts,
				completed_posts, failed_posts, status, created_at, updated_at
			) VALUES (
				:id, :user_id, :name, :schedule_time, :timezone, :total_posts,
				:completed_posts, :failed_posts, :status, :created_at, :updated_at
			)
		`, batch)
		if err != nil {
			return errors.Wrap(err, "failed to insert batch")
		}

		// sqlx expands a slice argument into a multi-row VALUES list
		if _, err := tx.NamedExecContext(ctx, insertJobQuery, jobs); err != nil {
			return errors.Wrap(err, "failed to insert batch jobs")
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("Batch created",
		slog.String("batch_id", batch.ID),
		slog.Int("total_posts", batch.TotalPosts),
	)
	return batch.ID, nil
}

// GetBatch loads a batch by id.
func (s *Storage) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	if err := validID("batch", id); err != nil {
		return nil, err
	}

	var batch domain.Batch
	err := s.db.GetContext(ctx, &batch, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrNotFound, "batch %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get batch %s", id)
	}
	return &batch, nil
}

// ListBatches returns the batches of a user, newest first.
func (s *Storage) ListBatches(ctx context.Context, userID string) ([]domain.Batch, error) {
	batches := []domain.Batch{}
	err := s.db.SelectContext(ctx, &batches, `
		SELECT `+batchColumns+`
		FROM batches
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list batches")
	}
	return batches, nil
}

// ListBatchJobs returns the child jobs of a batch in schedule order.
func (s *Storage) ListBatchJobs(ctx context.Context, batchID string) ([]domain.Job, error) {
	if err := validID("batch", batchID); err != nil {
		return nil, err
	}

	jobs := []domain.Job{}
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE batch_id = $1
		ORDER BY scheduled_time ASC, id ASC
	`, batchID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list jobs of batch %s", batchID)
	}
	return jobs, nil
}

// CancelBatch cancels every pending child and marks the batch cancelled.
// Jobs already resolved keep their outcome; a job that is processing right
// now is left to finish and counted as skipped.
func (s *Storage) CancelBatch(ctx context.Context, id string, now time.Time) (*domain.CancelSummary, error) {
	if err := validID("batch", id); err != nil {
		return nil, err
	}

	summary := &domain.CancelSummary{BatchID: id}

	err := s.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE batches
			SET status = 'cancelled', updated_at = $2
			WHERE id = $1 AND status IN ('active', 'paused')
		`, id, now)
		if err != nil {
			return errors.Wrapf(err, "failed to cancel batch %s", id)
		}
		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if rowsAffected == 0 {
			return transitionError(ctx, tx, "batches", "batch", id, "cancel")
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'cancelled', updated_at = $2
			WHERE batch_id = $1 AND status = 'pending'
		`, id, now); err != nil {
			return errors.Wrapf(err, "failed to cancel jobs of batch %s", id)
		}

		var counts struct {
			Published int `db:"published"`
			Failed    int `db:"failed"`
			Skipped   int `db:"skipped"`
		}
		err = tx.GetContext(ctx, &counts, `
			SELECT
				COUNT(*) FILTER (WHERE status = 'completed') AS published,
				COUNT(*) FILTER (WHERE status = 'failed') AS failed,
				COUNT(*) FILTER (WHERE status IN ('cancelled', 'processing')) AS skipped
			FROM jobs
			WHERE batch_id = $1
		`, id)
		if err != nil {
			return errors.Wrapf(err, "failed to summarize batch %s", id)
		}
		summary.Published = counts.Published
		summary.Failed = counts.Failed
		summary.Skipped = counts.Skipped
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Batch cancelled",
		slog.String("batch_id", id),
		slog.Int("published", summary.Published),
		slog.Int("skipped", summary.Skipped),
	)
	return summary, nil
}

// SetBatchStatus moves a batch from one status to another, used for pause
// and resume. The batch must currently be in from.
func (s *Storage) SetBatchStatus(ctx context.Context, id string, from, to domain.BatchStatus, now time.Time) (*domain.Batch, error) {
	if err := validID("batch", id); err != nil {
		return nil, err
	}

	var batch domain.Batch
	err := s.db.GetContext(ctx, &batch, `
		UPDATE batches
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+batchColumns, id, string(from), string(to), now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, transitionError(ctx, s.db, "batches", "batch", id, "move to "+string(to))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to update batch %s", id)
	}

	s.logger.Info("Batch status changed",
		slog.String("batch_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	return &batch, nil
}
