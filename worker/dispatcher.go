package worker

import (
	"context"
	"time"

	"rental-ingest/metrics"
	"rental-ingest/models"
	"rental-ingest/utils"
)

// JobQueue is the part of the queue the dispatcher drives.
type JobQueue interface {
	Dequeue(ctx context.Context) (*models.IngestionJob, error)
	Complete(ctx context.Context, job *models.IngestionJob, summary *models.JobSummary) error
	Fail(ctx context.Context, job *models.IngestionJob, summary *models.JobSummary, cause error) (models.JobStatus, error)
}

// JobRunner ingests one job.
type JobRunner interface {
	Run(ctx context.Context, job *models.IngestionJob) (*models.JobSummary, error)
}

type Options struct {
	Concurrency  int
	PollInterval time.Duration
	// JobTimeout bounds a single attempt. Zero means no limit.
	JobTimeout time.Duration
	Logger     *utils.Logger
}

// Dispatcher moves jobs from the queue to the runner on a bounded number of
// loops and reports each outcome back to the queue.
type Dispatcher struct {
	queue  JobQueue
	runner JobRunner
	opts   Options
	logger *utils.Logger
}

func NewDispatcher(queue JobQueue, runner JobRunner, opts Options) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = utils.NewLogger()
	}
	return &Dispatcher{queue: queue, runner: runner, opts: opts, logger: logger}
}

// Run processes jobs until ctx is canceled, then waits for running jobs to
// observe the cancellation and report back.
func (d *Dispatcher) Run(ctx context.Context) {
	pool := utils.NewWorkerPool(d.opts.Concurrency)
	d.logger.Info("[worker] Starting %d job loops (poll %s, timeout %s)",
		pool.Size(), d.opts.PollInterval, d.opts.JobTimeout)

	for i := 0; i < pool.Size(); i++ {
		n := i + 1
		pool.Submit(func() { d.loop(ctx, n) })
	}
	pool.Wait()
	d.logger.Info("[worker] All job loops stopped")
}

func (d *Dispatcher) loop(ctx context.Context, n int) {
	for ctx.Err() == nil {
		processed, err := d.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("[worker %d] %v", n, err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(d.opts.PollInterval):
		}
	}
}

// RunOnce takes at most one job off the queue and runs it. It reports
// whether a job was taken.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	job, err := d.queue.Dequeue(ctx)
	if err != nil || job == nil {
		return false, err
	}

	metrics.JobsInProgress.Inc()
	defer metrics.JobsInProgress.Dec()

	logger := d.logger.WithField("job", job.ID)
	logger.Info("[worker] Processing %s (attempt %d/%d)", job.FileReference, job.Attempt+1, job.MaxAttempts)

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.opts.JobTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d.opts.JobTimeout)
	}
	summary, runErr := d.runner.Run(runCtx, job)
	cancel()

	// Outcomes are reported even when ctx was canceled by shutdown, so an
	// interrupted job goes back to the queue instead of staying active.
	reportCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()

	if runErr == nil {
		if err := d.queue.Complete(reportCtx, job, summary); err != nil {
			return true, err
		}
		metrics.Jobs.WithLabelValues(metrics.JobCompleted).Inc()
		return true, nil
	}

	status, err := d.queue.Fail(reportCtx, job, summary, runErr)
	if err != nil {
		return true, err
	}
	switch status {
	case models.StatusDeadLettered:
		metrics.Jobs.WithLabelValues(metrics.JobDeadLettered).Inc()
		logger.Error("[worker] Job %s dead-lettered after %d attempts: %v", job.ID, job.Attempt, runErr)
	default:
		metrics.Jobs.WithLabelValues(metrics.JobRetried).Inc()
		logger.Warn("[worker] Job %s attempt %d failed, retrying in %s: %v",
			job.ID, job.Attempt, job.Backoff.DelayFor(job.Attempt), runErr)
	}
	return true, nil
}

// StateStore records the pipeline state of a job.
type StateStore interface {
	SetState(ctx context.Context, id string, state models.JobState) error
}

// StateRecorder persists runner state transitions. Failures are logged and
// otherwise ignored.
func StateRecorder(q StateStore, logger *utils.Logger) func(jobID string, state models.JobState) {
	return func(jobID string, state models.JobState) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.SetState(ctx, jobID, state); err != nil && logger != nil {
			logger.Warn("[worker] Could not record state %s of job %s: %v", state, jobID, err)
		}
	}
}
