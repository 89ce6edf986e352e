// Package store is the durable Job Store: jobs, batches, external account
// sessions and daily analytics, persisted in PostgreSQL.
//
// Every exported operation is a single statement or a single transaction, so
// no lock is ever held across a call to the publishing platform.
package store

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/post-scheduler/internal/domain"
	"github.com/cuongbtq/post-scheduler/shared/postgresql"
)

const jobColumns = `id, batch_id, user_id, post_id, topic, payload, scheduled_time, status,
	attempt, max_attempts, created_at, updated_at, claimed_at, heartbeat_at, published_at,
	external_post_id, external_post_ref, error_message`

const batchColumns = `id, user_id, name, schedule_time, timezone, total_posts, completed_posts,
	failed_posts, status, created_at, updated_at`

// Storage handles all database operations of the scheduler
type Storage struct {
	client *postgresql.Client
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(client *postgresql.Client, logger *slog.Logger) *Storage {
	return &Storage{
		client: client,
		db:     client.GetDB(),
		logger: logger,
	}
}

// validID rejects ids that are not UUIDs before they reach a uuid column.
func validID(kind, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.Wrapf(domain.ErrNotFound, "%s %q", kind, id)
	}
	return nil
}

// transitionError explains why a conditional UPDATE matched no row: either
// the row does not exist or it is in a state the transition does not allow.
func transitionError(ctx context.Context, q sqlx.QueryerContext, table, kind, id, action string) error {
	var status string
	err := sqlx.GetContext(ctx, q, &status, "SELECT status FROM "+table+" WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(domain.ErrNotFound, "%s %s", kind, id)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to load %s %s", kind, id)
	}
	return errors.Wrapf(domain.ErrInvalidTransition, "cannot %s %s %s in status %s", action, kind, id, status)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
