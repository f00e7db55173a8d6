package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental-ingest/models"
	"rental-ingest/query"
	"rental-ingest/storage"
	"rental-ingest/utils"
)

// flakyStore fails the bulk upserts whose 1-based call number is listed.
type flakyStore struct {
	*storage.MemoryStore
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
	sizes  []int
}

func newFlakyStore(failOn ...int) *flakyStore {
	f := &flakyStore{MemoryStore: storage.NewMemoryStore(nil), failOn: make(map[int]bool)}
	for _, n := range failOn {
		f.failOn[n] = true
	}
	return f
}

func (f *flakyStore) BulkUpsert(ctx context.Context, records []*models.UnifiedRecord) (*storage.WriteResult, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.sizes = append(f.sizes, len(records))
	f.mu.Unlock()
	if f.failOn[n] {
		return nil, errors.New("connection reset by peer")
	}
	return f.MemoryStore.BulkUpsert(ctx, records)
}

func (f *flakyStore) count(t *testing.T) int64 {
	n, err := f.MemoryStore.Count(context.Background(), query.PredicateTree{})
	require.NoError(t, err)
	return n
}

type recordingPauser struct {
	events []string
}

func (p *recordingPauser) Pause()  { p.events = append(p.events, "pause") }
func (p *recordingPauser) Resume() { p.events = append(p.events, "resume") }

type memoryAuditor struct {
	failures []storage.FailedBatch
}

func (a *memoryAuditor) RecordFailure(b storage.FailedBatch) error {
	a.failures = append(a.failures, b)
	return nil
}

func (a *memoryAuditor) Close() error { return nil }

func rec(id int) *models.UnifiedRecord {
	return &models.UnifiedRecord{SourceFile: "src.json", UnifiedID: fmt.Sprint(id)}
}

func TestSinkFlushesAtThreshold(t *testing.T) {
	store := newFlakyStore()
	pauser := &recordingPauser{}
	sink := NewBatchSink(store, pauser, SinkOptions{BatchSize: 3, Logger: utils.NewLoggerTo(&bytes.Buffer{}, "error")})
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		sink.Accept(rec(i))
		flushed := sink.FlushIfFull(ctx)
		assert.Equal(t, i == 2 || i == 5, flushed, "record %d", i)
	}
	assert.Equal(t, []int{3, 3}, store.sizes)

	sink.FlushRemaining(ctx)
	sink.FlushRemaining(ctx)

	assert.Equal(t, []int{3, 3, 1}, store.sizes)
	assert.EqualValues(t, 7, store.count(t))
	assert.Equal(t, SinkStats{Batches: 3, Written: 7, Inserted: 7}, sink.Stats())
	assert.Equal(t, []string{"pause", "resume", "pause", "resume", "pause", "resume"}, pauser.events)
}

func TestSinkFailedBatchDoesNotStopLaterBatches(t *testing.T) {
	store := newFlakyStore(2)
	pauser := &recordingPauser{}
	auditor := &memoryAuditor{}
	var logs bytes.Buffer
	sink := NewBatchSink(store, pauser, SinkOptions{
		BatchSize:  2,
		JobID:      "job-1",
		SourceFile: "src.json",
		Auditor:    auditor,
		Logger:     utils.NewLoggerTo(&logs, "info"),
	})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		sink.Accept(rec(i))
		sink.FlushIfFull(ctx)
	}
	sink.FlushRemaining(ctx)

	assert.Equal(t, 4, store.calls, "every batch is attempted")
	assert.EqualValues(t, 6, store.count(t), "only the failed batch is lost")
	assert.Equal(t, SinkStats{Batches: 4, FailedBatches: 1, Written: 6, Inserted: 6}, sink.Stats())

	// backpressure is released after the failure too
	assert.Equal(t, 8, len(pauser.events))
	assert.Equal(t, "resume", pauser.events[3])

	require.Len(t, auditor.failures, 1)
	f := auditor.failures[0]
	assert.Equal(t, 2, f.Batch)
	assert.Equal(t, 2, f.Records)
	assert.Equal(t, "2", f.FirstID)
	assert.Equal(t, "3", f.LastID)
	assert.Equal(t, "job-1", f.JobID)
	assert.Contains(t, f.Err, "connection reset")

	assert.Contains(t, logs.String(), "batch 2 (2 records, 2..3) from src.json failed")
}

func TestSinkCountsUpdates(t *testing.T) {
	store := newFlakyStore()
	sink := NewBatchSink(store, &recordingPauser{}, SinkOptions{BatchSize: 10, Logger: utils.NewLoggerTo(&bytes.Buffer{}, "error")})
	ctx := context.Background()

	sink.Accept(rec(1))
	sink.FlushRemaining(ctx)
	sink.Accept(rec(1))
	sink.Accept(rec(2))
	sink.FlushRemaining(ctx)

	assert.Equal(t, SinkStats{Batches: 2, Written: 3, Inserted: 2, Updated: 1}, sink.Stats())
}
