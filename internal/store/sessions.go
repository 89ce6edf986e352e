package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/cuongbtq/post-scheduler/internal/domain"
)

const sessionColumns = `user_id, access_token, refresh_token, expires_at, profile, created_at, updated_at`

// GetSession loads the external account session of a user.
func (s *Storage) GetSession(ctx context.Context, userID string) (*domain.Session, error) {
	var session domain.Session
	err := s.db.GetContext(ctx, &session,
		`SELECT `+sessionColumns+` FROM account_sessions WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrNotFound, "session of user %s", userID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get session of user %s", userID)
	}
	return &session, nil
}

// UpsertSession stores the tokens of a user, replacing any previous ones.
// A nil profile keeps the cached profile.
func (s *Storage) UpsertSession(ctx context.Context, session *domain.Session) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO account_sessions (
			user_id, access_token, refresh_token, expires_at, profile, created_at, updated_at
		) VALUES (
			:user_id, :access_token, :refresh_token, :expires_at, :profile, :created_at, :updated_at
		)
		ON CONFLICT (user_id) DO UPDATE
		SET access_token = EXCLUDED.access_token,
		    refresh_token = EXCLUDED.refresh_token,
		    expires_at = EXCLUDED.expires_at,
		    profile = COALESCE(EXCLUDED.profile, account_sessions.profile),
		    updated_at = EXCLUDED.updated_at
	`, session)
	if err != nil {
		return errors.Wrapf(err, "failed to save session of user %s", session.UserID)
	}
	return nil
}

// UpdateSessionProfile caches the identity of the account.
func (s *Storage) UpdateSessionProfile(ctx context.Context, userID string, profile domain.Profile, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE account_sessions SET profile = $2, updated_at = $3 WHERE user_id = $1`,
		userID, profile, now)
	if err != nil {
		return errors.Wrapf(err, "failed to cache profile of user %s", userID)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rowsAffected == 0 {
		return errors.Wrapf(domain.ErrNotFound, "session of user %s", userID)
	}
	return nil
}

// DeleteSession removes the session of a user. Deleting a missing session
// is not an error.
func (s *Storage) DeleteSession(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM account_sessions WHERE user_id = $1`, userID); err != nil {
		return errors.Wrapf(err, "failed to delete session of user %s", userID)
	}
	return nil
}
