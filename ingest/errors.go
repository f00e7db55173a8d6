package ingest

import (
	"errors"
	"fmt"
)

// SourceUnavailableError means the remote file could not be fetched: the
// reference is malformed, the endpoint is unreachable, it answered with a
// non-success status, or the stream broke mid-read. Retryable at job level.
type SourceUnavailableError struct {
	Ref string
	Err error
}

func (e *SourceUnavailableError) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("source unavailable: %v", e.Err)
	}
	return fmt.Sprintf("source unavailable: %s: %v", e.Ref, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// MalformedStreamError means the content is not a single top-level JSON array.
type MalformedStreamError struct {
	Offset int64
	Err    error
}

func (e *MalformedStreamError) Error() string {
	return fmt.Sprintf("malformed stream at byte %d: %v", e.Offset, e.Err)
}

func (e *MalformedStreamError) Unwrap() error { return e.Err }

// BatchWriteError describes one discarded batch. It is logged and audited,
// never returned from a job.
type BatchWriteError struct {
	Batch      int
	Records    int
	FirstID    string
	LastID     string
	SourceFile string
	Err        error
}

func (e *BatchWriteError) Error() string {
	return fmt.Sprintf("batch %d (%d records, %s..%s) from %s failed: %v",
		e.Batch, e.Records, e.FirstID, e.LastID, e.SourceFile, e.Err)
}

func (e *BatchWriteError) Unwrap() error { return e.Err }

func IsSourceUnavailable(err error) bool {
	var target *SourceUnavailableError
	return errors.As(err, &target)
}

func IsMalformedStream(err error) bool {
	var target *MalformedStreamError
	return errors.As(err, &target)
}
