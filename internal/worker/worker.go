// Package worker is the background dispatcher: it claims due jobs from the
// store, publishes them through a bounded pool and records each outcome.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/post-scheduler/internal/domain"
	"github.com/cuongbtq/post-scheduler/internal/events"
	"github.com/cuongbtq/post-scheduler/internal/platform"
)

// Store is the part of the job store the dispatcher drives.
type Store interface {
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error)
	ResolveJob(ctx context.Context, id string, outcome domain.Outcome, now time.Time) (*domain.Job, *domain.Batch, error)
	RescheduleJob(ctx context.Context, id string, next time.Time, errMsg string, now time.Time) error
	ReleaseJob(ctx context.Context, id string, now time.Time) error
	TouchJob(ctx context.Context, id string, now time.Time) error
	RecordPublished(ctx context.Context, id, externalID, externalRef string, now time.Time) error
	RecoverStuckJobs(ctx context.Context, staleBefore, now time.Time) ([]string, []domain.Job, error)
	PurgeResolvedJobs(ctx context.Context, olderThan time.Time) (int64, error)
}

// Default tuning, used for zero config values.
const (
	DefaultInterval          = 30 * time.Second
	DefaultBatchLimit        = 10
	DefaultConcurrency       = 4
	DefaultJobTimeout        = 60 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultBackoffBase       = 30 * time.Second
	DefaultBackoffMax        = 30 * time.Minute
	DefaultRetentionInterval = time.Hour
)

const (
	resolveAttempts     = 3
	defaultResolveDelay = 250 * time.Millisecond
)

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	Store     Store
	Publisher platform.Publisher
	Events    events.Publisher
	// Wakeups is optional; without it the dispatcher only polls.
	Wakeups WakeupSource

	WorkerID          string
	Interval          time.Duration
	BatchLimit        int
	Concurrency       int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	// StuckAfter is how old a processing job's heartbeat must be before the
	// job is considered abandoned.
	StuckAfter        time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	Retention         time.Duration
	RetentionInterval time.Duration
}

// Worker represents the background dispatcher
type Worker struct {
	logger    *slog.Logger
	store     Store
	publisher platform.Publisher
	events    events.Publisher
	wakeups   WakeupSource

	workerID          string
	interval          time.Duration
	batchLimit        int
	concurrency       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	stuckAfter        time.Duration
	backoffBase       time.Duration
	backoffMax        time.Duration
	retention         time.Duration
	retentionInterval time.Duration
	resolveDelay      time.Duration

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	loopDone chan struct{}

	jobsChan    chan domain.Job
	triggerChan chan struct{}
	inFlight    atomic.Int32
	wg          sync.WaitGroup
	lastPurge   time.Time
	now         func() time.Time
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		store:             cfg.Store,
		publisher:         cfg.Publisher,
		events:            cfg.Events,
		wakeups:           cfg.Wakeups,
		workerID:          cfg.WorkerID,
		interval:          orDefault(cfg.Interval, DefaultInterval),
		batchLimit:        cfg.BatchLimit,
		concurrency:       cfg.Concurrency,
		jobTimeout:        orDefault(cfg.JobTimeout, DefaultJobTimeout),
		heartbeatInterval: orDefault(cfg.HeartbeatInterval, DefaultHeartbeatInterval),
		stuckAfter:        cfg.StuckAfter,
		backoffBase:       orDefault(cfg.BackoffBase, DefaultBackoffBase),
		backoffMax:        orDefault(cfg.BackoffMax, DefaultBackoffMax),
		retention:         cfg.Retention,
		retentionInterval: orDefault(cfg.RetentionInterval, DefaultRetentionInterval),
		resolveDelay:      defaultResolveDelay,
		triggerChan:       make(chan struct{}, 1),
		now:               time.Now,
	}

	if w.batchLimit <= 0 {
		w.batchLimit = DefaultBatchLimit
	}
	if w.concurrency <= 0 {
		w.concurrency = DefaultConcurrency
	}
	if w.stuckAfter <= 0 {
		w.stuckAfter = 3 * w.heartbeatInterval
		if w.stuckAfter < w.interval {
			w.stuckAfter = w.interval
		}
	}
	if w.events == nil {
		w.events = events.Nop{}
	}
	if w.workerID == "" {
		w.workerID = "worker"
	}
	return w
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Start runs the crash recovery sweep and starts the dispatch loop. Calling
// Start on a running worker does nothing. The loop stops when ctx is done or
// Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		w.logger.Debug("Worker already running")
		return nil
	}

	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("interval", w.interval),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	// jobs left processing by a previous run
	w.recoverStuckJobs(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.loopDone = make(chan struct{})
	w.jobsChan = make(chan domain.Job)
	w.running = true

	w.spawnWorkerPool(loopCtx)

	if w.wakeups != nil {
		deliveries, err := w.setupConsumer()
		if err != nil {
			// polling still finds the work
			w.logger.Warn("Wake-up consumer unavailable, polling only",
				slog.Any("error", err),
			)
		} else {
			w.wg.Add(1)
			go w.startWakeupListener(loopCtx, deliveries)
		}
	}

	go w.run(loopCtx)
	return nil
}

// Stop cancels the loop, waits for in-flight publishes to finish and
// returns once the pool is drained. Stopping a stopped worker does nothing.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	w.logger.Info("Stopping worker...")
	w.cancel()
	<-w.loopDone
	w.wg.Wait()
	w.running = false
	w.logger.Info("Worker stopped")
}

// Trigger asks for an early tick. It never blocks.
func (w *Worker) Trigger() {
	select {
	case w.triggerChan <- struct{}{}:
	default:
	}
}

// run is the dispatch loop: one tick immediately, then one per interval or
// per trigger.
func (w *Worker) run(ctx context.Context) {
	defer close(w.loopDone)
	defer close(w.jobsChan)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker context canceled, stopping dispatch loop")
			return
		case <-ticker.C:
			w.tick(ctx)
		case <-w.triggerChan:
			w.logger.Debug("Tick triggered early")
			w.tick(ctx)
		}
	}
}

// tick runs the sweeps, claims as many due jobs as there are idle workers
// and hands them to the pool.
func (w *Worker) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	w.recoverStuckJobs(ctx)
	w.purgeResolvedJobs(ctx)

	free := w.concurrency - int(w.inFlight.Load())
	limit := min(w.batchLimit, free)
	if limit <= 0 {
		w.logger.Debug("All workers busy, skipping claim")
		return
	}

	jobs, err := w.store.ClaimDueJobs(ctx, w.now(), limit)
	if err != nil {
		w.logger.Error("Failed to claim due jobs", slog.Any("error", err))
		return
	}
	if len(jobs) == 0 {
		return
	}

	w.logger.Info("Claimed due jobs",
		slog.Int("count", len(jobs)),
		slog.String("worker_id", w.workerID),
	)
	w.dispatch(ctx, jobs)
}

// recoverStuckJobs re-queues abandoned processing jobs. Jobs already
// published are completed from their parked id, and jobs with no attempt
// left are failed.
func (w *Worker) recoverStuckJobs(ctx context.Context) {
	now := w.now()
	requeued, stranded, err := w.store.RecoverStuckJobs(ctx, now.Add(-w.stuckAfter), now)
	if err != nil {
		w.logger.Error("Failed to recover stuck jobs", slog.Any("error", err))
		return
	}

	for _, id := range requeued {
		w.logger.Warn("Re-queued stuck job", slog.String("job_id", id))
	}
	for _, job := range stranded {
		if job.ExternalPostID != nil {
			w.logger.Warn("Completing stuck job that was already published",
				slog.String("job_id", job.ID),
				slog.String("external_post_id", *job.ExternalPostID),
			)
			w.complete(ctx, &job, &platform.Result{
				ExternalID:  *job.ExternalPostID,
				ExternalRef: deref(job.ExternalPostRef),
			})
			continue
		}

		w.logger.Warn("Failing stuck job with no attempts left",
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.Attempt),
		)
		w.fail(ctx, &job, "job abandoned while processing and no attempts left")
	}
}

func (w *Worker) purgeResolvedJobs(ctx context.Context) {
	if w.retention <= 0 {
		return
	}

	now := w.now()
	if !w.lastPurge.IsZero() && now.Sub(w.lastPurge) < w.retentionInterval {
		return
	}
	w.lastPurge = now

	n, err := w.store.PurgeResolvedJobs(ctx, now.Add(-w.retention))
	if err != nil {
		w.logger.Error("Failed to purge resolved jobs", slog.Any("error", err))
		return
	}
	if n > 0 {
		w.logger.Info("Purged resolved jobs", slog.Int64("count", n))
	}
}
