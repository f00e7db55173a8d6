package storage

import (
	"context"
	"time"

	"rental-ingest/models"
	"rental-ingest/query"
)

// WriteResult reports how a bulk upsert landed.
type WriteResult struct {
	Inserted int
	Updated  int
}

// Sort orders a query by one field. The zero value means natural order.
type Sort struct {
	Field string
	Desc  bool
}

// RecordStore is the interface any document store backend must satisfy.
// unifiedId is the sole uniqueness constraint: BulkUpsert inserts unknown
// ids and overwrites every unified field of known ones.
type RecordStore interface {
	BulkUpsert(ctx context.Context, records []*models.UnifiedRecord) (*WriteResult, error)
	FindByFilter(ctx context.Context, tree query.PredicateTree, limit, skip int, sort Sort) ([]*models.UnifiedRecord, error)
	Count(ctx context.Context, tree query.PredicateTree) (int64, error)
	Close() error
}

// FailedBatch is one discarded batch, as recorded in the audit log.
type FailedBatch struct {
	JobID      string
	SourceFile string
	Batch      int
	Records    int
	FirstID    string
	LastID     string
	Err        string
	FailedAt   time.Time
}

// BatchAuditor persists a durable trail of discarded batches.
type BatchAuditor interface {
	RecordFailure(b FailedBatch) error
	Close() error
}
