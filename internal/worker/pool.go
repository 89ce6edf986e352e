package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/post-scheduler/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned",
		slog.Int("worker_count", w.concurrency),
		slog.String("worker_id", w.workerID),
	)
}

// workerLoop processes jobs until the dispatch loop closes jobsChan. Publish
// calls run detached from ctx so that Stop lets them finish.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	jobCtx := context.WithoutCancel(ctx)

	for job := range w.jobsChan {
		w.logger.Debug("Worker received job",
			slog.String("worker_name", workerName),
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.Attempt),
		)
		w.processJob(jobCtx, &job)
		w.inFlight.Add(-1)
	}

	w.logger.Debug("Worker goroutine stopped", slog.String("worker_name", workerName))
}

// dispatch hands claimed jobs to the pool. Jobs that cannot be handed over
// before shutdown go back to pending without losing an attempt.
func (w *Worker) dispatch(ctx context.Context, jobs []domain.Job) {
	for i, job := range jobs {
		w.inFlight.Add(1)
		select {
		case w.jobsChan <- job:
		case <-ctx.Done():
			w.inFlight.Add(-1)
			w.release(context.WithoutCancel(ctx), jobs[i:])
			return
		}
	}
}

func (w *Worker) release(ctx context.Context, jobs []domain.Job) {
	for _, job := range jobs {
		if err := w.store.ReleaseJob(ctx, job.ID, w.now()); err != nil {
			w.logger.Error("Failed to release undispatched job",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			continue
		}
		w.logger.Info("Released undispatched job", slog.String("job_id", job.ID))
	}
}
