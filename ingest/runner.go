package ingest

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"rental-ingest/metrics"
	"rental-ingest/models"
	"rental-ingest/services"
	"rental-ingest/storage"
	"rental-ingest/utils"
)

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	BatchSize int
	Auditor   storage.BatchAuditor
	Logger    *utils.Logger
	// OnStateChange is called on every pipeline state transition of a job.
	OnStateChange func(jobID string, state models.JobState)
}

// Runner ingests one file per call: source, parser, normalizer and sink
// wired into a single-producer single-consumer pipeline.
type Runner struct {
	source     Opener
	store      storage.RecordStore
	normalizer *services.Normalizer
	opts       RunnerOptions
	logger     *utils.Logger
}

func NewRunner(source Opener, store storage.RecordStore, opts RunnerOptions) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = utils.NewLogger()
	}
	return &Runner{
		source:     source,
		store:      store,
		normalizer: services.NewNormalizer(logger),
		opts:       opts,
		logger:     logger,
	}
}

// Run resolves once the stream is exhausted and the final partial batch has
// been flushed. Source and parse errors fail the job; failed batches do not.
// A canceled ctx closes the stream and fails the job with the context error.
func (r *Runner) Run(ctx context.Context, job *models.IngestionJob) (*models.JobSummary, error) {
	start := time.Now()
	logger := r.logger.WithField("job", job.ID)
	summary := &models.JobSummary{}

	fail := func(err error) (*models.JobSummary, error) {
		summary.Duration = time.Since(start)
		r.transition(logger, job, models.StateFailed)
		logger.Error("[runner] Job %s failed on %s: %v", job.ID, job.FileReference, err)
		return summary, err
	}

	r.transition(logger, job, models.StateReceived)

	sourceFile, err := SourceKey(job.FileReference)
	if err != nil {
		return fail(err)
	}
	summary.SourceFile = sourceFile

	body, err := r.source.Open(ctx, job.FileReference)
	if err != nil {
		return fail(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var closeOnce sync.Once
	closeBody := func() {
		closeOnce.Do(func() { _ = body.Close() })
	}
	defer closeBody()
	go func() {
		<-ctx.Done()
		closeBody()
	}()

	parser := NewParser(body)
	pauser := &statePauser{parser: parser, resumeTo: models.StateStreaming, notify: func(s models.JobState) {
		r.transition(logger, job, s)
	}}
	sink := NewBatchSink(r.store, pauser, SinkOptions{
		BatchSize:  r.opts.BatchSize,
		JobID:      job.ID,
		SourceFile: sourceFile,
		Auditor:    r.opts.Auditor,
		Logger:     logger,
	})

	r.transition(logger, job, models.StateStreaming)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return parser.Run(gctx)
	})
	g.Go(func() error {
		for el := range parser.Elements() {
			if err := gctx.Err(); err != nil {
				return err
			}
			metrics.RecordsParsed.Inc()
			sink.Accept(r.normalizer.Normalize(el, sourceFile))
			sink.FlushIfFull(gctx)
		}
		return nil
	})

	err = g.Wait()
	r.fillSummary(summary, parser, sink)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return fail(err)
	}

	pauser.resumeTo = models.StateDraining
	r.transition(logger, job, models.StateDraining)
	sink.FlushRemaining(ctx)
	r.fillSummary(summary, parser, sink)
	summary.Duration = time.Since(start)

	r.transition(logger, job, models.StateCompleted)
	logger.Info("[runner] Job %s completed: %d records from %s in %d batches (%d failed, %d inserted, %d updated) in %s",
		job.ID, summary.Records, sourceFile, summary.Batches, summary.FailedBatches,
		summary.Inserted, summary.Updated, summary.Duration.Round(time.Millisecond))
	return summary, nil
}

func (r *Runner) fillSummary(summary *models.JobSummary, parser *Parser, sink *BatchSink) {
	stats := sink.Stats()
	summary.Records = int(parser.Emitted())
	summary.Batches = stats.Batches
	summary.FailedBatches = stats.FailedBatches
	summary.Inserted = stats.Inserted
	summary.Updated = stats.Updated
}

func (r *Runner) transition(logger *utils.Logger, job *models.IngestionJob, state models.JobState) {
	job.State = state
	logger.Debug("[runner] Job %s -> %s", job.ID, state)
	if r.opts.OnStateChange != nil {
		r.opts.OnStateChange(job.ID, state)
	}
}

// statePauser reports the paused state around each flush and returns to
// resumeTo afterwards.
type statePauser struct {
	parser   *Parser
	resumeTo models.JobState
	notify   func(models.JobState)
}

func (p *statePauser) Pause() {
	p.parser.Pause()
	p.notify(models.StatePaused)
}

func (p *statePauser) Resume() {
	p.parser.Resume()
	p.notify(p.resumeTo)
}
