package store

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/post-scheduler/internal/domain"
	"github.com/cuongbtq/post-scheduler/shared/postgresql"
)

const (
	testJobID   = "6f1d2c3b-4a5e-4f60-8a7b-9c0d1e2f3a4b"
	testBatchID = "0b9a8c7d-6e5f-4a3b-9c2d-1e0f9a8b7c6d"
)

var (
	testJobCols = []string{
		"id", "batch_id", "user_id", "post_id", "topic", "payload", "scheduled_time", "status",
		"attempt", "max_attempts", "created_at", "updated_at", "claimed_at", "heartbeat_at",
		"published_at", "external_post_id", "external_post_ref", "error_message",
	}
	testBatchCols = []string{
		"id", "user_id", "name", "schedule_time", "timezone", "total_posts", "completed_posts",
		"failed_posts", "status", "created_at", "updated_at",
	}
	testNow = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
)

func newTestStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := postgresql.NewFromDB(sqlx.NewDb(db, "postgres"), &postgresql.Config{}, logger)
	return NewStorage(client, logger), mock
}

func addJobRow(rows *sqlmock.Rows, id string, batchID interface{}, scheduled time.Time, status domain.JobStatus, attempt int) *sqlmock.Rows {
	return rows.AddRow(
		id, batchID, "user-1", "post-1", "go", "hello world", scheduled, string(status),
		attempt, 3, testNow, testNow, nil, nil,
		nil, nil, nil, nil,
	)
}

func TestStorage_ClaimDueJobs(t *testing.T) {
	storage, mock := newTestStorage(t)

	later := testNow.Add(-time.Minute)
	earlier := testNow.Add(-time.Hour)
	rows := sqlmock.NewRows(testJobCols)
	addJobRow(rows, "job-late", nil, later, domain.JobStatusProcessing, 1)
	addJobRow(rows, "job-early", testBatchID, earlier, domain.JobStatusProcessing, 1)

	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE OF j SKIP LOCKED")).
		WithArgs(testNow, 10).
		WillReturnRows(rows)

	jobs, err := storage.ClaimDueJobs(context.Background(), testNow, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-early", jobs[0].ID)
	assert.Equal(t, "job-late", jobs[1].ID)
	require.NotNil(t, jobs[0].BatchID)
	assert.Equal(t, testBatchID, *jobs[0].BatchID)
	assert.Nil(t, jobs[1].BatchID)
}

func TestStorage_ClaimDueJobs_QueryShape(t *testing.T) {
	// the claim must be a single conditional statement
	for _, fragment := range []string{
		"status = 'processing'",
		"attempt = attempt + 1",
		"j.status = 'pending'",
		"j.scheduled_time <= $1",
		"b.status = 'active'",
		"ORDER BY j.scheduled_time ASC",
		"LIMIT $2",
		"FOR UPDATE OF j SKIP LOCKED",
		"AND status = 'pending'",
		"RETURNING",
	} {
		assert.Contains(t, claimDueJobsQuery, fragment)
	}
}

func TestStorage_ResolveJob(t *testing.T) {
	t.Run("completed job bumps batch and analytics", func(t *testing.T) {
		storage, mock := newTestStorage(t)

		jobRows := sqlmock.NewRows(testJobCols).AddRow(
			testJobID, testBatchID, "user-1", "post-1", "go", "hello", testNow, "completed",
			1, 3, testNow, testNow, testNow, nil,
			testNow, "urn:li:share:1", "https://example.com/feed/update/urn:li:share:1", nil,
		)
		batchRows := sqlmock.NewRows(testBatchCols).AddRow(
			testBatchID, "user-1", "week", "09:00", "UTC", 2, 2, 0, "completed", testNow, testNow,
		)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs")).
			WithArgs(testJobID, "completed", testNow, "urn:li:share:1", "https://example.com/feed/update/urn:li:share:1", nil).
			WillReturnRows(jobRows)
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE batches")).
			WithArgs(testBatchID, 1, 0, testNow).
			WillReturnRows(batchRows)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO analytics")).
			WithArgs("2024-03-10", 1, 0).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		job, batch, err := storage.ResolveJob(context.Background(), testJobID, domain.Outcome{
			Status:          domain.JobStatusCompleted,
			ExternalPostID:  "urn:li:share:1",
			ExternalPostRef: "https://example.com/feed/update/urn:li:share:1",
		}, testNow)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, job.Status)
		require.NotNil(t, batch)
		assert.Equal(t, domain.BatchStatusCompleted, batch.Status)
		assert.True(t, batch.Resolved())
	})

	t.Run("standalone failed job skips batch update", func(t *testing.T) {
		storage, mock := newTestStorage(t)

		jobRows := sqlmock.NewRows(testJobCols).AddRow(
			testJobID, nil, "user-1", "post-1", "go", "hello", testNow, "failed",
			3, 3, testNow, testNow, testNow, nil,
			nil, nil, nil, "boom",
		)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs")).
			WithArgs(testJobID, "failed", testNow, nil, nil, "boom").
			WillReturnRows(jobRows)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO analytics")).
			WithArgs("2024-03-10", 0, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		job, batch, err := storage.ResolveJob(context.Background(), testJobID, domain.Outcome{
			Status:       domain.JobStatusFailed,
			ErrorMessage: "boom",
		}, testNow)
		require.NoError(t, err)
		assert.Nil(t, batch)
		require.NotNil(t, job.ErrorMessage)
		assert.Equal(t, "boom", *job.ErrorMessage)
	})

	t.Run("job no longer processing", func(t *testing.T) {
		storage, mock := newTestStorage(t)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs")).
			WillReturnRows(sqlmock.NewRows(testJobCols))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM jobs")).
			WithArgs(testJobID).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("cancelled"))
		mock.ExpectRollback()

		_, _, err := storage.ResolveJob(context.Background(), testJobID, domain.Outcome{
			Status: domain.JobStatusCompleted,
		}, testNow)
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	})

	t.Run("outcome must be final", func(t *testing.T) {
		storage, _ := newTestStorage(t)

		_, _, err := storage.ResolveJob(context.Background(), testJobID, domain.Outcome{
			Status: domain.JobStatusPending,
		}, testNow)
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	})
}

func TestStorage_RescheduleJob(t *testing.T) {
	next := testNow.Add(time.Minute)

	t.Run("processing job goes back to pending", func(t *testing.T) {
		storage, mock := newTestStorage(t)

		mock.ExpectExec(regexp.QuoteMeta("SET status = 'pending'")).
			WithArgs(testJobID, next, "timeout", testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, storage.RescheduleJob(context.Background(), testJobID, next, "timeout", testNow))
	})

	t.Run("missing job", func(t *testing.T) {
		storage, mock := newTestStorage(t)

		mock.ExpectExec(regexp.QuoteMeta("SET status = 'pending'")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM jobs")).
			WithArgs(testJobID).
			WillReturnRows(sqlmock.NewRows([]string{"status"}))

		err := storage.RescheduleJob(context.Background(), testJobID, next, "timeout", testNow)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestStorage_ReleaseJob(t *testing.T) {
	storage, mock := newTestStorage(t)

	mock.ExpectExec(regexp.QuoteMeta("attempt = GREATEST(attempt - 1, 0)")).
		WithArgs(testJobID, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, storage.ReleaseJob(context.Background(), testJobID, testNow))
}

func TestStorage_CancelJob(t *testing.T) {
	t.Run("pending child shrinks its batch", func(t *testing.T) {
		storage, mock := newTestStorage(t)

		rows := sqlmock.NewRows(testJobCols)
		addJobRow(rows, testJobID, testBatchID, testNow.Add(time.Hour), domain.JobStatusCancelled, 0)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("SET status = 'cancelled'")).
			WithArgs(testJobID, testNow).
			WillReturnRows(rows)
		mock.ExpectExec(regexp.QuoteMeta("SET total_posts = total_posts - 1")).
			WithArgs(testBatchID, testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		job, err := storage.CancelJob(context.Background(), testJobID, testNow)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCancelled, job.Status)
	})

	t.Run("completed job cannot be cancelled", func(t *testing.T) {
		storage, mock := newTestStorage(t)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("SET status = 'cancelled'")).
			WillReturnRows(sqlmock.NewRows(testJobCols))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM jobs")).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
		mock.ExpectRollback()

		_, err := storage.CancelJob(context.Background(), testJobID, testNow)
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	})

	t.Run("malformed id is not found", func(t *testing.T) {
		storage, _ := newTestStorage(t)

		_, err := storage.CancelJob(context.Background(), "not-a-uuid", testNow)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestStorage_CancelBatch(t *testing.T) {
	storage, mock := newTestStorage(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE batches")).
		WithArgs(testBatchID, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs")).
		WithArgs(testBatchID, testNow).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectQuery(regexp.QuoteMeta("COUNT(*) FILTER")).
		WithArgs(testBatchID).
		WillReturnRows(sqlmock.NewRows([]string{"published", "failed", "skipped"}).AddRow(2, 0, 3))
	mock.ExpectCommit()

	summary, err := storage.CancelBatch(context.Background(), testBatchID, testNow)
	require.NoError(t, err)
	assert.Equal(t, &domain.CancelSummary{BatchID: testBatchID, Published: 2, Skipped: 3}, summary)
}

func TestStorage_SetBatchStatus_InvalidTransition(t *testing.T) {
	storage, mock := newTestStorage(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE batches")).
		WithArgs(testBatchID, "paused", "active", testNow).
		WillReturnRows(sqlmock.NewRows(testBatchCols))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM batches")).
		WithArgs(testBatchID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

	_, err := storage.SetBatchStatus(context.Background(), testBatchID,
		domain.BatchStatusPaused, domain.BatchStatusActive, testNow)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestStorage_RecoverStuckJobs(t *testing.T) {
	storage, mock := newTestStorage(t)
	staleBefore := testNow.Add(-5 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("AND external_post_id IS NULL")).
		WithArgs(staleBefore, testNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-a").AddRow("job-b"))

	stranded := sqlmock.NewRows(testJobCols)
	addJobRow(stranded, "job-c", nil, testNow.Add(-time.Hour), domain.JobStatusProcessing, 3)
	stranded.AddRow(
		"job-d", nil, "user-1", "post-1", "go", "hello world", testNow.Add(-time.Hour), "processing",
		1, 3, testNow, testNow, nil, nil,
		nil, "urn:li:share:7", nil, nil,
	)
	mock.ExpectQuery(regexp.QuoteMeta("AND (attempt >= max_attempts OR external_post_id IS NOT NULL)")).
		WithArgs(staleBefore).
		WillReturnRows(stranded)

	requeued, stuck, err := storage.RecoverStuckJobs(context.Background(), staleBefore, testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-a", "job-b"}, requeued)
	require.Len(t, stuck, 2)
	assert.Equal(t, "job-c", stuck[0].ID)
	assert.Nil(t, stuck[0].ExternalPostID)
	assert.Equal(t, "job-d", stuck[1].ID)
	require.NotNil(t, stuck[1].ExternalPostID)
	assert.Equal(t, "urn:li:share:7", *stuck[1].ExternalPostID)
}

func TestStorage_RecordPublished(t *testing.T) {
	t.Run("parks the external id on a processing job", func(t *testing.T) {
		storage, mock := newTestStorage(t)

		mock.ExpectExec(regexp.QuoteMeta("SET external_post_id = $2")).
			WithArgs(testJobID, "urn:li:share:7", "https://example.com/7", testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := storage.RecordPublished(context.Background(), testJobID, "urn:li:share:7", "https://example.com/7", testNow)
		assert.NoError(t, err)
	})

	t.Run("resolved job is left alone", func(t *testing.T) {
		storage, mock := newTestStorage(t)

		mock.ExpectExec(regexp.QuoteMeta("SET external_post_id = $2")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM jobs")).
			WithArgs(testJobID).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

		err := storage.RecordPublished(context.Background(), testJobID, "urn:li:share:7", "", testNow)
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	})
}

func TestStorage_ListJobs(t *testing.T) {
	storage, mock := newTestStorage(t)
	cursorTime := testNow.Add(-time.Hour)

	rows := sqlmock.NewRows(testJobCols)
	addJobRow(rows, testJobID, nil, testNow, domain.JobStatusPending, 0)

	mock.ExpectQuery(regexp.QuoteMeta("AND (created_at, id) < ($3, $4) ORDER BY created_at DESC, id DESC LIMIT $5")).
		WithArgs("user-1", "pending", cursorTime, "job-z", 21).
		WillReturnRows(rows)

	jobs, err := storage.ListJobs(context.Background(), JobFilter{
		UserID:   "user-1",
		Status:   domain.JobStatusPending,
		PageSize: 20,
		Cursor:   &JobCursor{CreatedAt: cursorTime, JobID: "job-z"},
	})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestStorage_GetStats(t *testing.T) {
	storage, mock := newTestStorage(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"pending", "processing", "completed", "failed", "cancelled"}).
			AddRow(4, 1, 10, 2, 3))

	stats, err := storage.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &domain.QueueStats{Pending: 4, Processing: 1, Completed: 10, Failed: 2, Cancelled: 3}, stats)
}

func TestStorage_GetJob_NotFound(t *testing.T) {
	storage, mock := newTestStorage(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1")).
		WithArgs(testJobID).
		WillReturnRows(sqlmock.NewRows(testJobCols))

	_, err := storage.GetJob(context.Background(), testJobID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestStorage_Sessions(t *testing.T) {
	t.Run("missing session", func(t *testing.T) {
		storage, mock := newTestStorage(t)

		mock.ExpectQuery(regexp.QuoteMeta("FROM account_sessions")).
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

		_, err := storage.GetSession(context.Background(), "user-1")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("profile is decoded", func(t *testing.T) {
		storage, mock := newTestStorage(t)

		mock.ExpectQuery(regexp.QuoteMeta("FROM account_sessions")).
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{
				"user_id", "access_token", "refresh_token", "expires_at", "profile", "created_at", "updated_at",
			}).AddRow("user-1", "at", nil, testNow, []byte(`{"sub":"abc","name":"Ann"}`), testNow, testNow))

		session, err := storage.GetSession(context.Background(), "user-1")
		require.NoError(t, err)
		require.NotNil(t, session.Profile)
		assert.Equal(t, "abc", session.Profile.Subject)
		assert.False(t, session.HasRefreshToken())
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		storage, mock := newTestStorage(t)

		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM account_sessions")).
			WithArgs("user-1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.NoError(t, storage.DeleteSession(context.Background(), "user-1"))
	})

	t.Run("profile update without session", func(t *testing.T) {
		storage, mock := newTestStorage(t)

		mock.ExpectExec(regexp.QuoteMeta("UPDATE account_sessions SET profile")).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := storage.UpdateSessionProfile(context.Background(), "user-1", domain.Profile{Subject: "abc"}, testNow)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestStorage_GetAnalytics(t *testing.T) {
	storage, mock := newTestStorage(t)

	day := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM analytics")).
		WithArgs("2024-03-01", "2024-03-10").
		WillReturnRows(sqlmock.NewRows([]string{"date", "total_posts", "successful_posts", "failed_posts", "total_engagement"}).
			AddRow(day, 3, 2, 1, 0))

	records, err := storage.GetAnalytics(context.Background(),
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), testNow)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].SuccessfulPosts)
}
