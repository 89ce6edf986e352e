package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/post-scheduler/internal/domain"
	"github.com/cuongbtq/post-scheduler/internal/scheduler"
	"github.com/cuongbtq/post-scheduler/internal/store"
	"github.com/cuongbtq/post-scheduler/internal/token"
	"github.com/gin-gonic/gin"
)

// ContextUserIDKey is the gin context key holding the authenticated caller.
const ContextUserIDKey = "user_id"

// Scheduler is the scheduling surface the handlers drive.
type Scheduler interface {
	ScheduleOne(ctx context.Context, userID string, post domain.Post, at time.Time) (*domain.Job, error)
	PublishNow(ctx context.Context, userID string, post domain.Post) (*domain.Job, error)
	ScheduleBatch(ctx context.Context, userID, name string, posts []domain.Post, dailyTime string) (*scheduler.BatchStatus, error)
	CancelJob(ctx context.Context, userID, jobID string) (*domain.Job, error)
	CancelBatch(ctx context.Context, userID, batchID string) (*domain.CancelSummary, error)
	PauseBatch(ctx context.Context, userID, batchID string) (*domain.Batch, error)
	ResumeBatch(ctx context.Context, userID, batchID string) (*domain.Batch, error)
	GetJob(ctx context.Context, userID, jobID string) (*domain.Job, error)
	GetBatchStatus(ctx context.Context, userID, batchID string) (*scheduler.BatchStatus, error)
	ListBatches(ctx context.Context, userID string) ([]domain.Batch, error)
	ListJobs(ctx context.Context, userID string, filter store.JobFilter) ([]domain.Job, error)
	QueueStats(ctx context.Context) (*domain.QueueStats, error)
	Analytics(ctx context.Context, from, to time.Time) ([]domain.AnalyticsRecord, error)
}

// Accounts manages the connected external account of a user.
type Accounts interface {
	AuthURL(state string) string
	Connect(ctx context.Context, userID, code string) (*token.Status, error)
	SaveSession(ctx context.Context, userID, accessToken, refreshToken string, expiresIn time.Duration) (*token.Status, error)
	ClearSession(ctx context.Context, userID string) error
	GetStatus(ctx context.Context, userID string) (*token.Status, error)
}

// HealthChecker reports whether the database is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
	Stats() string
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	ServiceName string
	Scheduler   Scheduler
	Accounts    Accounts
	Database    HealthChecker
	// SecureCookies marks the OAuth state cookie Secure.
	SecureCookies bool
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	scheduler Scheduler
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		scheduler: deps.Scheduler,
	}
}

// BatchHandler handles batch-related HTTP requests
type BatchHandler struct {
	logger    *slog.Logger
	scheduler Scheduler
}

// NewBatchHandler creates a new BatchHandler instance
func NewBatchHandler(deps *Dependencies) *BatchHandler {
	return &BatchHandler{
		logger:    deps.Logger,
		scheduler: deps.Scheduler,
	}
}

// AccountHandler handles the external account connection
type AccountHandler struct {
	logger        *slog.Logger
	accounts      Accounts
	secureCookies bool
}

// NewAccountHandler creates a new AccountHandler instance
func NewAccountHandler(deps *Dependencies) *AccountHandler {
	return &AccountHandler{
		logger:        deps.Logger,
		accounts:      deps.Accounts,
		secureCookies: deps.SecureCookies,
	}
}

// SystemHandler serves health, queue statistics and analytics
type SystemHandler struct {
	logger      *slog.Logger
	serviceName string
	scheduler   Scheduler
	database    HealthChecker
}

// NewSystemHandler creates a new SystemHandler instance
func NewSystemHandler(deps *Dependencies) *SystemHandler {
	return &SystemHandler{
		logger:      deps.Logger,
		serviceName: deps.ServiceName,
		scheduler:   deps.Scheduler,
		database:    deps.Database,
	}
}

func userID(c *gin.Context) string {
	return c.GetString(ContextUserIDKey)
}
