package export

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"activitylog/internal/export/metrics"
	"activitylog/internal/export/models"
	"activitylog/internal/export/store"
	"activitylog/pkg/platform/sentinel"
)

// Executor runs one job.
type Executor interface {
	Execute(ctx context.Context, id uuid.UUID, opts ...ExecOption) (models.Job, error)
}

// Worker feeds persisted jobs to a bounded pool. Jobs survive restarts: on
// start, and on every sweep, PENDING jobs are queued again and RUNNING jobs
// older than the stuck timeout are reset to PENDING.
type Worker struct {
	exec       Executor
	jobs       store.Store
	inbox      chan uuid.UUID
	sem        *semaphore.Weighted
	size       int64
	stuckAfter time.Duration
	sweepEvery time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	queued map[uuid.UUID]struct{}
	wg     sync.WaitGroup
}

// WorkerOption configures the Worker.
type WorkerOption func(*Worker)

// WithWorkers sets the pool size.
func WithWorkers(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.size = int64(n)
		}
	}
}

// WithStuckAfter sets how long a job may stay RUNNING before it is re-run.
func WithStuckAfter(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.stuckAfter = d
		}
	}
}

// WithSweepInterval sets how often stuck and orphaned jobs are collected.
func WithSweepInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.sweepEvery = d
		}
	}
}

func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

func WithWorkerMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// DefaultStuckAfter is how long a RUNNING job may go without finishing.
const DefaultStuckAfter = 30 * time.Minute

func NewWorker(exec Executor, jobs store.Store, opts ...WorkerOption) *Worker {
	w := &Worker{
		exec:       exec,
		jobs:       jobs,
		size:       4,
		stuckAfter: DefaultStuckAfter,
		sweepEvery: time.Minute,
		logger:     slog.Default(),
		now:        time.Now,
		queued:     make(map[uuid.UUID]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.sem = semaphore.NewWeighted(w.size)
	w.inbox = make(chan uuid.UUID, 1024)
	return w
}

// Enqueue schedules a job. When the inbox is full the job stays PENDING and
// the next sweep picks it up.
func (w *Worker) Enqueue(id uuid.UUID) {
	w.mu.Lock()
	if _, ok := w.queued[id]; ok {
		w.mu.Unlock()
		return
	}
	w.queued[id] = struct{}{}
	w.mu.Unlock()

	select {
	case w.inbox <- id:
	default:
		w.forget(id)
		w.logger.Warn("export queue full, job left for next sweep", "job_id", id)
	}
}

func (w *Worker) forget(id uuid.UUID) {
	w.mu.Lock()
	delete(w.queued, id)
	w.mu.Unlock()
}

// Recover requeues stuck jobs and enqueues every PENDING job the pool owns.
func (w *Worker) Recover(ctx context.Context) error {
	return w.sweep(ctx, 0)
}

// sweep leaves PENDING jobs younger than grace alone so callers that create
// and execute a job themselves can claim it first. Report jobs belong to the
// scheduler, which creates and executes them in one step; the pool only
// picks them up once they are older than the stuck timeout.
func (w *Worker) sweep(ctx context.Context, grace time.Duration) error {
	ids, err := w.jobs.RequeueStale(ctx, w.now().Add(-w.stuckAfter))
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		w.metrics.AddRequeued(len(ids))
		w.logger.WarnContext(ctx, "requeued stuck export jobs", "count", len(ids))
	}
	pending, err := w.jobs.ListPending(ctx)
	if err != nil {
		return err
	}
	now := w.now()
	cutoff := now.Add(-grace)
	orphaned := now.Add(-w.stuckAfter)
	for _, job := range pending {
		if grace > 0 && job.CreatedAt.After(cutoff) {
			continue
		}
		if job.ScheduledReportID != nil && job.CreatedAt.After(orphaned) {
			continue
		}
		w.Enqueue(job.ID)
	}
	return nil
}

// Run processes jobs until ctx is cancelled, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Recover(ctx); err != nil {
		w.logger.ErrorContext(ctx, "export recovery failed", "error", err)
	}
	ticker := time.NewTicker(w.sweepEvery)
	defer ticker.Stop()
	defer w.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.sweep(ctx, w.sweepEvery); err != nil && ctx.Err() == nil {
				w.logger.ErrorContext(ctx, "export sweep failed", "error", err)
			}
		case id := <-w.inbox:
			if err := w.sem.Acquire(ctx, 1); err != nil {
				w.forget(id)
				return ctx.Err()
			}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				defer w.sem.Release(1)
				defer w.forget(id)
				// Shutdown drains running jobs rather than failing them.
				w.execute(context.WithoutCancel(ctx), id)
			}()
		}
	}
}

// execute never stamps a report's last_run; only the scheduler knows whether
// the report was mailed.
func (w *Worker) execute(ctx context.Context, id uuid.UUID) {
	_, err := w.exec.Execute(ctx, id, DeferReportStamp())
	switch {
	case err == nil:
	case errors.Is(err, sentinel.ErrInvalidState):
		// Already claimed by another worker or finished.
	default:
		w.logger.ErrorContext(ctx, "export job execution error", "job_id", id, "error", err)
	}
}
