package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var auditHeader = []string{
	"failed_at", "job_id", "source_file", "batch", "records", "first_id", "last_id", "error",
}

// CSVBatchAuditor appends discarded batches to a CSV file.
// It is safe for concurrent use.
type CSVBatchAuditor struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// NewCSVBatchAuditor opens (or creates) the CSV file at the given path in
// append mode. The header row is written only to an empty file.
// Intermediate directories are created automatically.
func NewCSVBatchAuditor(path string) (*CSVBatchAuditor, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("csv: open file %q: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: stat file %q: %w", path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(auditHeader); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("csv: write header: %w", err)
		}
		w.Flush()
	}

	return &CSVBatchAuditor{file: f, writer: w}, nil
}

// RecordFailure appends one row and flushes it to disk.
func (c *CSVBatchAuditor) RecordFailure(b FailedBatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b.FailedAt.IsZero() {
		b.FailedAt = time.Now()
	}
	row := []string{
		b.FailedAt.UTC().Format(time.RFC3339),
		b.JobID,
		b.SourceFile,
		strconv.Itoa(b.Batch),
		strconv.Itoa(b.Records),
		b.FirstID,
		b.LastID,
		b.Err,
	}
	if err := c.writer.Write(row); err != nil {
		return fmt.Errorf("csv: write row: %w", err)
	}

	c.writer.Flush()
	return c.writer.Error()
}

// Close flushes and closes the underlying file.
func (c *CSVBatchAuditor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writer.Flush()
	return c.file.Close()
}
