package router

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuongbtq/post-scheduler/internal/domain"
	"github.com/cuongbtq/post-scheduler/internal/scheduler"
	"github.com/cuongbtq/post-scheduler/internal/store"
	"github.com/cuongbtq/post-scheduler/internal/token"
)

var errUnexpected = errors.New("unexpected call")

// fakeScheduler answers with whatever the test wires into its func fields.
type fakeScheduler struct {
	scheduleOne   func(userID string, post domain.Post, at time.Time) (*domain.Job, error)
	publishNow    func(userID string, post domain.Post) (*domain.Job, error)
	scheduleBatch func(userID, name string, posts []domain.Post, dailyTime string) (*scheduler.BatchStatus, error)
	cancelJob     func(userID, jobID string) (*domain.Job, error)
	cancelBatch   func(userID, batchID string) (*domain.CancelSummary, error)
	pauseBatch    func(userID, batchID string) (*domain.Batch, error)
	resumeBatch   func(userID, batchID string) (*domain.Batch, error)
	getJob        func(userID, jobID string) (*domain.Job, error)
	getBatch      func(userID, batchID string) (*scheduler.BatchStatus, error)
	listBatches   func(userID string) ([]domain.Batch, error)
	listJobs      func(userID string, filter store.JobFilter) ([]domain.Job, error)
	queueStats    func() (*domain.QueueStats, error)
	analytics     func(from, to time.Time) ([]domain.AnalyticsRecord, error)
}

func (f *fakeScheduler) ScheduleOne(_ context.Context, userID string, post domain.Post, at time.Time) (*domain.Job, error) {
	if f.scheduleOne == nil {
		return nil, errUnexpected
	}
	return f.scheduleOne(userID, post, at)
}

func (f *fakeScheduler) PublishNow(_ context.Context, userID string, post domain.Post) (*domain.Job, error) {
	if f.publishNow == nil {
		return nil, errUnexpected
	}
	return f.publishNow(userID, post)
}

func (f *fakeScheduler) ScheduleBatch(_ context.Context, userID, name string, posts []domain.Post, dailyTime string) (*scheduler.BatchStatus, error) {
	if f.scheduleBatch == nil {
		return nil, errUnexpected
	}
	return f.scheduleBatch(userID, name, posts, dailyTime)
}

func (f *fakeScheduler) CancelJob(_ context.Context, userID, jobID string) (*domain.Job, error) {
	if f.cancelJob == nil {
		return nil, errUnexpected
	}
	return f.cancelJob(userID, jobID)
}

func (f *fakeScheduler) CancelBatch(_ context.Context, userID, batchID string) (*domain.CancelSummary, error) {
	if f.cancelBatch == nil {
		return nil, errUnexpected
	}
	return f.cancelBatch(userID, batchID)
}

func (f *fakeScheduler) PauseBatch(_ context.Context, userID, batchID string) (*domain.Batch, error) {
	if f.pauseBatch == nil {
		return nil, errUnexpected
	}
	return f.pauseBatch(userID, batchID)
}

func (f *fakeScheduler) ResumeBatch(_ context.Context, userID, batchID string) (*domain.Batch, error) {
	if f.resumeBatch == nil {
		return nil, errUnexpected
	}
	return f.resumeBatch(userID, batchID)
}

func (f *fakeScheduler) GetJob(_ context.Context, userID, jobID string) (*domain.Job, error) {
	if f.getJob == nil {
		return nil, errUnexpected
	}
	return f.getJob(userID, jobID)
}

func (f *fakeScheduler) GetBatchStatus(_ context.Context, userID, batchID string) (*scheduler.BatchStatus, error) {
	if f.getBatch == nil {
		return nil, errUnexpected
	}
	return f.getBatch(userID, batchID)
}

func (f *fakeScheduler) ListBatches(_ context.Context, userID string) ([]domain.Batch, error) {
	if f.listBatches == nil {
		return nil, errUnexpected
	}
	return f.listBatches(userID)
}

func (f *fakeScheduler) ListJobs(_ context.Context, userID string, filter store.JobFilter) ([]domain.Job, error) {
	if f.listJobs == nil {
		return nil, errUnexpected
	}
	return f.listJobs(userID, filter)
}

func (f *fakeScheduler) QueueStats(context.Context) (*domain.QueueStats, error) {
	if f.queueStats == nil {
		return nil, errUnexpected
	}
	return f.queueStats()
}

func (f *fakeScheduler) Analytics(_ context.Context, from, to time.Time) ([]domain.AnalyticsRecord, error) {
	if f.analytics == nil {
		return nil, errUnexpected
	}
	return f.analytics(from, to)
}

type fakeAccounts struct {
	connect     func(userID, code string) (*token.Status, error)
	saveSession func(userID, access, refresh string, expiresIn time.Duration) (*token.Status, error)
	cleared     []string
	status      *token.Status
}

func (f *fakeAccounts) AuthURL(state string) string {
	return "https://auth.example.com/authorize?state=" + state
}

func (f *fakeAccounts) Connect(_ context.Context, userID, code string) (*token.Status, error) {
	if f.connect == nil {
		return nil, errUnexpected
	}
	return f.connect(userID, code)
}

func (f *fakeAccounts) SaveSession(_ context.Context, userID, accessToken, refreshToken string, expiresIn time.Duration) (*token.Status, error) {
	if f.saveSession == nil {
		return nil, errUnexpected
	}
	return f.saveSession(userID, accessToken, refreshToken, expiresIn)
}

func (f *fakeAccounts) ClearSession(_ context.Context, userID string) error {
	f.cleared = append(f.cleared, userID)
	return nil
}

func (f *fakeAccounts) GetStatus(context.Context, string) (*token.Status, error) {
	if f.status == nil {
		return &token.Status{}, nil
	}
	return f.status, nil
}

type fakeDatabase struct {
	err error
}

func (f *fakeDatabase) HealthCheck(context.Context) error {
	return f.err
}

func (f *fakeDatabase) Stats() string {
	return "MaxOpenConns: 10, OpenConns: 1"
}
