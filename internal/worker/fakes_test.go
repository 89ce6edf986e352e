package worker

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/cuongbtq/post-scheduler/internal/domain"
	"github.com/cuongbtq/post-scheduler/internal/events"
	"github.com/cuongbtq/post-scheduler/internal/platform"
)

var testStart = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memoryStore mirrors the job store state machine in memory.
type memoryStore struct {
	mu        sync.Mutex
	jobs      map[string]*domain.Job
	batches   map[string]*domain.Batch
	touches   int
	released  []string
	purgedAt  []time.Time
	history   map[string][]time.Time
	claimErr  error
	resolveFn func(id string) error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		jobs:    make(map[string]*domain.Job),
		batches: make(map[string]*domain.Batch),
		history: make(map[string][]time.Time),
	}
}

func (m *memoryStore) addJob(job domain.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	if job.UserID == "" {
		job.UserID = "user-1"
	}
	m.jobs[job.ID] = &job
}

func (m *memoryStore) addBatch(batch domain.Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if batch.Status == "" {
		batch.Status = domain.BatchStatusActive
	}
	m.batches[batch.ID] = &batch
}

func (m *memoryStore) job(id string) domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memoryStore) batch(id string) domain.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.batches[id]
}

func (m *memoryStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}

	var due []*domain.Job
	for _, job := range m.jobs {
		if job.Status != domain.JobStatusPending || job.ScheduledTime.After(now) {
			continue
		}
		if job.BatchID != nil && m.batches[*job.BatchID].Status != domain.BatchStatusActive {
			continue
		}
		due = append(due, job)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledTime.Before(due[j].ScheduledTime) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]domain.Job, 0, len(due))
	for _, job := range due {
		job.Status = domain.JobStatusProcessing
		job.Attempt++
		at := now
		job.ClaimedAt = &at
		job.HeartbeatAt = &at
		m.history[job.ID] = append(m.history[job.ID], job.ScheduledTime)
		claimed = append(claimed, *job)
	}
	return claimed, nil
}

func (m *memoryStore) ResolveJob(ctx context.Context, id string, outcome domain.Outcome, now time.Time) (*domain.Job, *domain.Batch, error) {
	if m.resolveFn != nil {
		if err := m.resolveFn(id); err != nil {
			return nil, nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	if job.Status != domain.JobStatusProcessing {
		return nil, nil, errors.Wrapf(domain.ErrInvalidTransition, "job %s is %s", id, job.Status)
	}

	job.Status = outcome.Status
	job.HeartbeatAt = nil
	if outcome.Status == domain.JobStatusCompleted {
		at := now
		job.PublishedAt = &at
		job.ExternalPostID = &outcome.ExternalPostID
		job.ExternalPostRef = &outcome.ExternalPostRef
	}
	if outcome.ErrorMessage != "" {
		msg := outcome.ErrorMessage
		job.ErrorMessage = &msg
	}

	var batch *domain.Batch
	if job.BatchID != nil {
		b := m.batches[*job.BatchID]
		if outcome.Status == domain.JobStatusCompleted {
			b.CompletedPosts++
		} else {
			b.FailedPosts++
		}
		if b.Resolved() && (b.Status == domain.BatchStatusActive || b.Status == domain.BatchStatusPaused) {
			b.Status = domain.BatchStatusCompleted
		}
		copied := *b
		batch = &copied
	}
	return job, batch, nil
}

func (m *memoryStore) RescheduleJob(ctx context.Context, id string, next time.Time, errMsg string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	if job.Status != domain.JobStatusProcessing {
		return domain.ErrInvalidTransition
	}
	job.Status = domain.JobStatusPending
	job.ScheduledTime = next
	job.ErrorMessage = &errMsg
	job.ClaimedAt = nil
	job.HeartbeatAt = nil
	return nil
}

func (m *memoryStore) ReleaseJob(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	if job.Status != domain.JobStatusProcessing {
		return domain.ErrInvalidTransition
	}
	job.Status = domain.JobStatusPending
	job.Attempt--
	m.released = append(m.released, id)
	return nil
}

func (m *memoryStore) TouchJob(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touches++
	at := now
	m.jobs[id].HeartbeatAt = &at
	return nil
}

func (m *memoryStore) RecordPublished(ctx context.Context, id, externalID, externalRef string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	if job.Status != domain.JobStatusProcessing {
		return domain.ErrInvalidTransition
	}
	job.ExternalPostID = &externalID
	job.ExternalPostRef = &externalRef
	return nil
}

func (m *memoryStore) RecoverStuckJobs(ctx context.Context, staleBefore, now time.Time) ([]string, []domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var requeued []string
	var stranded []domain.Job
	for _, job := range m.jobs {
		if job.Status != domain.JobStatusProcessing || job.HeartbeatAt == nil || !job.HeartbeatAt.Before(staleBefore) {
			continue
		}
		if job.Attempt < job.MaxAttempts && job.ExternalPostID == nil {
			job.Status = domain.JobStatusPending
			job.HeartbeatAt = nil
			requeued = append(requeued, job.ID)
		} else {
			stranded = append(stranded, *job)
		}
	}
	return requeued, stranded, nil
}

func (m *memoryStore) PurgeResolvedJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgedAt = append(m.purgedAt, olderThan)
	return 0, nil
}

// scriptedPublisher answers publish calls from a per-content script.
type scriptedPublisher struct {
	mu      sync.Mutex
	script  map[string][]func() (*platform.Result, error)
	calls   map[string]int
	delay   time.Duration
	release chan struct{}
}

func newScriptedPublisher() *scriptedPublisher {
	return &scriptedPublisher{
		script: make(map[string][]func() (*platform.Result, error)),
		calls:  make(map[string]int),
	}
}

func (p *scriptedPublisher) on(content string, steps ...func() (*platform.Result, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script[content] = steps
}

func (p *scriptedPublisher) callsFor(content string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[content]
}

func (p *scriptedPublisher) Publish(ctx context.Context, userID, content string) (*platform.Result, error) {
	if p.release != nil {
		<-p.release
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	n := p.calls[content]
	p.calls[content]++
	steps := p.script[content]
	p.mu.Unlock()

	if len(steps) == 0 {
		return succeed("urn:li:share:" + content)()
	}
	if n >= len(steps) {
		n = len(steps) - 1
	}
	return steps[n]()
}

func succeed(id string) func() (*platform.Result, error) {
	return func() (*platform.Result, error) {
		return &platform.Result{ExternalID: id, ExternalRef: "https://example.com/" + id}, nil
	}
}

func failWith(err error) func() (*platform.Result, error) {
	return func() (*platform.Result, error) { return nil, err }
}

type recordingEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEvents) Publish(ctx context.Context, event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newTestWorker(st *memoryStore, pub platform.Publisher, mutate func(*Config)) (*Worker, *fakeClock, *recordingEvents) {
	rec := &recordingEvents{}
	cfg := &Config{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:       st,
		Publisher:   pub,
		Events:      rec,
		WorkerID:    "test-worker",
		Interval:    time.Hour,
		Concurrency: 2,
		BatchLimit:  10,
	}
	if mutate != nil {
		mutate(cfg)
	}

	clock := &fakeClock{now: testStart}
	w := NewWorker(cfg)
	w.now = clock.Now
	w.resolveDelay = time.Millisecond
	return w, clock, rec
}

// tickAndDrain runs one tick against a fresh pool and waits for every
// dispatched job to finish.
func tickAndDrain(w *Worker) {
	ctx := context.Background()
	w.jobsChan = make(chan domain.Job)
	w.spawnWorkerPool(ctx)
	w.tick(ctx)
	close(w.jobsChan)
	w.wg.Wait()
}

func strPtr(s string) *string { return &s }
