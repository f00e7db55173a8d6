package storage

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVBatchAuditorAppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "failed_batches.csv")
	failedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, job := range []string{"job-1", "job-2"} {
		auditor, err := NewCSVBatchAuditor(path)
		require.NoError(t, err)
		require.NoError(t, auditor.RecordFailure(FailedBatch{
			JobID:      job,
			SourceFile: "data/large.json",
			Batch:      i + 3,
			Records:    5000,
			FirstID:    "a1",
			LastID:     "z9",
			Err:        `pq: duplicate key, "unified_id"`,
			FailedAt:   failedAt,
		}))
		require.NoError(t, auditor.Close())
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3, "header is written once")
	assert.Equal(t, auditHeader, rows[0])
	assert.Equal(t, []string{
		"2024-03-01T12:00:00Z", "job-1", "data/large.json", "3", "5000", "a1", "z9", `pq: duplicate key, "unified_id"`,
	}, rows[1])
	assert.Equal(t, "job-2", rows[2][1])
	assert.Equal(t, "4", rows[2][3])
}

func TestCSVBatchAuditorDefaultsFailureTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failed.csv")
	auditor, err := NewCSVBatchAuditor(path)
	require.NoError(t, err)

	before := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, auditor.RecordFailure(FailedBatch{JobID: "job-1"}))
	require.NoError(t, auditor.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)

	ts, err := time.Parse(time.RFC3339, rows[1][0])
	require.NoError(t, err)
	assert.False(t, ts.Before(before))
}
