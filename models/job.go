package models

import "time"

// JobStatus is the queue-level lifecycle of an ingestion job.
type JobStatus string

const (
	StatusWaiting      JobStatus = "waiting"
	StatusActive       JobStatus = "active"
	StatusDelayed      JobStatus = "delayed"
	StatusCompleted    JobStatus = "completed"
	StatusDeadLettered JobStatus = "dead_lettered"
)

// JobState is the pipeline-level state of one attempt, reported by the runner.
type JobState string

const (
	StateReceived  JobState = "received"
	StateStreaming JobState = "streaming"
	StatePaused    JobState = "paused"
	StateDraining  JobState = "draining"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// BackoffType selects how the wait between attempts grows.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// BackoffPolicy describes the wait before a failed job is attempted again.
type BackoffPolicy struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// DelayFor returns the wait after the given (1-based) failed attempt.
func (b BackoffPolicy) DelayFor(attempt int) time.Duration {
	if b.Type != BackoffExponential || attempt <= 1 {
		return b.Delay
	}
	return b.Delay * time.Duration(1<<uint(attempt-1))
}

// DefaultMaxAttempts and DefaultBackoff mirror the submission policy of the
// ingestion trigger: three attempts, ten seconds apart.
const DefaultMaxAttempts = 3

var DefaultBackoff = BackoffPolicy{Type: BackoffFixed, Delay: 10 * time.Second}

// IngestionJob is one request to ingest a remote file.
type IngestionJob struct {
	ID            string        `json:"id"`
	FileReference string        `json:"fileReference"`
	Attempt       int           `json:"attempt"`
	MaxAttempts   int           `json:"maxAttempts"`
	Backoff       BackoffPolicy `json:"backoff"`
	Status        JobStatus     `json:"status"`
	State         JobState      `json:"state,omitempty"`
	LastError     string        `json:"lastError,omitempty"`
	Summary       *JobSummary   `json:"summary,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	FinishedAt    *time.Time    `json:"finishedAt,omitempty"`
}

// JobSummary describes the outcome of one ingestion run.
type JobSummary struct {
	SourceFile    string        `json:"sourceFile"`
	Records       int           `json:"records"`
	Batches       int           `json:"batches"`
	FailedBatches int           `json:"failedBatches"`
	Inserted      int           `json:"inserted"`
	Updated       int           `json:"updated"`
	Duration      time.Duration `json:"duration"`
}
