package ingest

import (
	"context"
	"time"

	"rental-ingest/metrics"
	"rental-ingest/models"
	"rental-ingest/storage"
	"rental-ingest/utils"
)

// DefaultBatchSize is the flush threshold when none is configured.
const DefaultBatchSize = 5000

// Pauser is the upstream flow-control handle the sink holds while writing.
type Pauser interface {
	Pause()
	Resume()
}

// SinkStats accumulates the outcome of every flush of one sink.
type SinkStats struct {
	Batches       int
	FailedBatches int
	Written       int
	Inserted      int
	Updated       int
}

// SinkOptions configures a BatchSink.
type SinkOptions struct {
	BatchSize  int
	JobID      string
	SourceFile string
	// Auditor receives discarded batches; optional.
	Auditor storage.BatchAuditor
	Logger  *utils.Logger
}

// BatchSink buffers normalized records and writes them to the store in
// bulk. A failed write discards its batch and the sink carries on.
type BatchSink struct {
	store   storage.RecordStore
	pauser  Pauser
	auditor storage.BatchAuditor
	logger  *utils.Logger

	size       int
	jobID      string
	sourceFile string

	buf   []*models.UnifiedRecord
	stats SinkStats
}

func NewBatchSink(store storage.RecordStore, pauser Pauser, opts SinkOptions) *BatchSink {
	size := opts.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = utils.NewLogger()
	}
	return &BatchSink{
		store:      store,
		pauser:     pauser,
		auditor:    opts.Auditor,
		logger:     logger,
		size:       size,
		jobID:      opts.JobID,
		sourceFile: opts.SourceFile,
		buf:        make([]*models.UnifiedRecord, 0, size),
	}
}

func (s *BatchSink) Accept(rec *models.UnifiedRecord) {
	s.buf = append(s.buf, rec)
}

// FlushIfFull writes the buffer once it reaches the threshold and reports
// whether a flush happened.
func (s *BatchSink) FlushIfFull(ctx context.Context) bool {
	if len(s.buf) < s.size {
		return false
	}
	s.flush(ctx)
	return true
}

// FlushRemaining writes whatever is buffered, if anything.
func (s *BatchSink) FlushRemaining(ctx context.Context) {
	if len(s.buf) > 0 {
		s.flush(ctx)
	}
}

func (s *BatchSink) Stats() SinkStats { return s.stats }

func (s *BatchSink) flush(ctx context.Context) {
	batch := s.buf
	s.buf = make([]*models.UnifiedRecord, 0, s.size)
	s.stats.Batches++
	n := s.stats.Batches

	s.pauser.Pause()
	defer s.pauser.Resume()

	start := time.Now()
	res, err := s.store.BulkUpsert(ctx, batch)
	metrics.FlushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		s.discard(n, batch, err)
		return
	}

	s.stats.Written += len(batch)
	s.stats.Inserted += res.Inserted
	s.stats.Updated += res.Updated
	metrics.Batches.WithLabelValues(metrics.ResultOK).Inc()
	metrics.RecordsUpserted.WithLabelValues(metrics.UpsertInserted).Add(float64(res.Inserted))
	metrics.RecordsUpserted.WithLabelValues(metrics.UpsertUpdated).Add(float64(res.Updated))
	s.logger.Info("[sink] Batch %d flushed: %d records (%d inserted, %d updated) in %s",
		n, len(batch), res.Inserted, res.Updated, time.Since(start).Round(time.Millisecond))
}

func (s *BatchSink) discard(n int, batch []*models.UnifiedRecord, err error) {
	s.stats.FailedBatches++
	metrics.Batches.WithLabelValues(metrics.ResultFailed).Inc()

	bwErr := &BatchWriteError{
		Batch:      n,
		Records:    len(batch),
		FirstID:    batch[0].UnifiedID,
		LastID:     batch[len(batch)-1].UnifiedID,
		SourceFile: s.sourceFile,
		Err:        err,
	}
	s.logger.Error("[sink] %v; batch discarded", bwErr)

	if s.auditor == nil {
		return
	}
	auditErr := s.auditor.RecordFailure(storage.FailedBatch{
		JobID:      s.jobID,
		SourceFile: s.sourceFile,
		Batch:      n,
		Records:    len(batch),
		FirstID:    bwErr.FirstID,
		LastID:     bwErr.LastID,
		Err:        err.Error(),
		FailedAt:   time.Now(),
	})
	if auditErr != nil {
		s.logger.Warn("[sink] Could not audit discarded batch %d: %v", n, auditErr)
	}
}
