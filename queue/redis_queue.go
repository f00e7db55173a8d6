package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"rental-ingest/models"
	"rental-ingest/utils"
)

const (
	jobKeyPrefix = "ingest:job:"
	waitingKey   = "ingest:jobs:waiting"
	activeKey    = "ingest:jobs:active"
	delayedKey   = "ingest:jobs:delayed"
	deadKey      = "ingest:jobs:dead"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrNotDeadLettered = errors.New("job is not dead-lettered")
)

// EnqueueOptions overrides the default retry policy of a new job.
type EnqueueOptions struct {
	MaxAttempts int
	Backoff     models.BackoffPolicy
}

// Counts is the number of jobs in each queue list.
type Counts struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Dead    int64 `json:"deadLettered"`
}

// RedisQueue is a durable job queue. Jobs are stored as JSON under their id;
// the waiting, active and dead lists and the delayed sorted set (scored by
// due time in milliseconds) hold ids only.
type RedisQueue struct {
	Db     *redis.Client
	now    func() time.Time
	logger *utils.Logger
}

func NewRedisQueue(db *redis.Client, logger *utils.Logger) *RedisQueue {
	if logger == nil {
		logger = utils.NewLogger()
	}
	return &RedisQueue{Db: db, now: time.Now, logger: logger}
}

func (q *RedisQueue) Enqueue(ctx context.Context, fileReference string, opts EnqueueOptions) (*models.IngestionJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = models.DefaultMaxAttempts
	}
	if opts.Backoff.Type == "" {
		opts.Backoff = models.DefaultBackoff
	}

	now := q.now()
	job := &models.IngestionJob{
		ID:            uuid.New().String(),
		FileReference: fileReference,
		MaxAttempts:   opts.MaxAttempts,
		Backoff:       opts.Backoff,
		Status:        models.StatusWaiting,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}

	pipe := q.Db.TxPipeline()
	pipe.Set(jobKeyPrefix+job.ID, data, 0)
	pipe.LPush(waitingKey, job.ID)
	if _, err := pipe.Exec(); err != nil {
		return nil, errors.Wrapf(err, "enqueueing %v", fileReference)
	}

	q.logf("[queue] Enqueued job %s for %s", job.ID, fileReference)
	return job, nil
}

// Dequeue moves the oldest waiting job to the active list. Delayed jobs that
// are due are promoted first. It returns nil when nothing is waiting.
func (q *RedisQueue) Dequeue(ctx context.Context) (*models.IngestionJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.promoteDue(); err != nil {
		return nil, err
	}

	id, err := q.Db.RPopLPush(waitingKey, activeKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "dequeueing")
	}

	job, err := q.load(id)
	if err != nil {
		return nil, q.release(id, err)
	}
	job.Status = models.StatusActive
	job.State = ""
	job.UpdatedAt = q.now()
	if err := q.save(q.Db, job); err != nil {
		return nil, q.release(id, err)
	}
	return job, nil
}

// release moves a job that could not be started from active to the back of
// the waiting list and returns cause.
func (q *RedisQueue) release(id string, cause error) error {
	pipe := q.Db.TxPipeline()
	pipe.LRem(activeKey, 0, id)
	pipe.LPush(waitingKey, id)
	if _, err := pipe.Exec(); err != nil {
		q.logger.Error("[queue] Job %s is stuck in the active list: %v", id, err)
		return cause
	}
	q.logger.Warn("[queue] Returned job %s to the waiting list: %v", id, cause)
	return cause
}

const promoteScript = `
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
	return redis.call('LPUSH', KEYS[2], ARGV[1])
end
return 0
`

func promote(db redis.Cmdable, id string) *redis.Cmd {
	return db.Eval(promoteScript, []string{delayedKey, waitingKey}, id)
}

// promoteDue moves delayed jobs whose backoff has elapsed back to waiting.
// The body is marked waiting before the script makes the id visible to
// Dequeue; the move itself is one script so a job is never out of both lists.
func (q *RedisQueue) promoteDue() error {
	due, err := q.Db.ZRangeByScore(delayedKey, redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return errors.Wrap(err, "reading delayed jobs")
	}

	for _, id := range due {
		job, err := q.load(id)
		if err == nil {
			job.Status = models.StatusWaiting
			job.UpdatedAt = q.now()
			err = q.save(q.Db, job)
		}
		if err != nil {
			// Dequeue deals with a body it cannot read.
			q.logger.Warn("[queue] Promoting job %s without updating it: %v", id, err)
		}

		moved, err := promote(q.Db, id).Int64()
		if err != nil {
			return errors.Wrapf(err, "promoting job %v", id)
		}
		if moved == 1 && job != nil {
			q.logf("[queue] Job %s is due for attempt %d", id, job.Attempt+1)
		}
	}
	return nil
}

// Complete marks an active job as succeeded.
func (q *RedisQueue) Complete(ctx context.Context, job *models.IngestionJob, summary *models.JobSummary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := q.now()
	job.Status = models.StatusCompleted
	job.Summary = summary
	job.LastError = ""
	job.UpdatedAt = now
	job.FinishedAt = &now

	pipe := q.Db.TxPipeline()
	if err := q.save(pipe, job); err != nil {
		return err
	}
	pipe.LRem(activeKey, 0, job.ID)
	_, err := pipe.Exec()
	return errors.Wrapf(err, "completing job %v", job.ID)
}

// Fail records a failed attempt. The job is scheduled again after its
// backoff, or dead-lettered once it has used all its attempts. The returned
// status says which.
func (q *RedisQueue) Fail(ctx context.Context, job *models.IngestionJob, summary *models.JobSummary, cause error) (models.JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := q.now()
	job.Attempt++
	job.Summary = summary
	job.UpdatedAt = now
	if cause != nil {
		job.LastError = cause.Error()
	}

	pipe := q.Db.TxPipeline()
	pipe.LRem(activeKey, 0, job.ID)
	if job.Attempt >= job.MaxAttempts {
		job.Status = models.StatusDeadLettered
		job.FinishedAt = &now
		pipe.LPush(deadKey, job.ID)
	} else {
		job.Status = models.StatusDelayed
		due := now.Add(job.Backoff.DelayFor(job.Attempt))
		pipe.ZAdd(delayedKey, redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
	}
	if err := q.save(pipe, job); err != nil {
		return "", err
	}
	if _, err := pipe.Exec(); err != nil {
		return "", errors.Wrapf(err, "failing job %v", job.ID)
	}
	return job.Status, nil
}

// SetState records the pipeline state of a running job.
func (q *RedisQueue) SetState(ctx context.Context, id string, state models.JobState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job, err := q.load(id)
	if err != nil {
		return err
	}
	job.State = state
	job.UpdatedAt = q.now()
	return q.save(q.Db, job)
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*models.IngestionJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return q.load(id)
}

// DeadLetters lists dead-lettered jobs, most recent first.
func (q *RedisQueue) DeadLetters(ctx context.Context) ([]*models.IngestionJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := q.Db.LRange(deadKey, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "listing dead letters")
	}
	jobs := make([]*models.IngestionJob, 0, len(ids))
	for _, id := range ids {
		job, err := q.load(id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Requeue gives a dead-lettered job a fresh set of attempts.
func (q *RedisQueue) Requeue(ctx context.Context, id string) (*models.IngestionJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	job, err := q.load(id)
	if err != nil {
		return nil, err
	}

	removed, err := q.Db.LRem(deadKey, 1, id).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "requeueing job %v", id)
	}
	if removed == 0 {
		return nil, ErrNotDeadLettered
	}

	job.Attempt = 0
	job.Status = models.StatusWaiting
	job.State = ""
	job.FinishedAt = nil
	job.UpdatedAt = q.now()

	pipe := q.Db.TxPipeline()
	if err := q.save(pipe, job); err != nil {
		return nil, err
	}
	pipe.LPush(waitingKey, id)
	if _, err := pipe.Exec(); err != nil {
		return nil, errors.Wrapf(err, "requeueing job %v", id)
	}
	q.logf("[queue] Requeued dead-lettered job %s", id)
	return job, nil
}

func (q *RedisQueue) Counts(ctx context.Context) (*Counts, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pipe := q.Db.Pipeline()
	waiting := pipe.LLen(waitingKey)
	active := pipe.LLen(activeKey)
	delayed := pipe.ZCard(delayedKey)
	dead := pipe.LLen(deadKey)
	if _, err := pipe.Exec(); err != nil {
		return nil, errors.Wrap(err, "counting jobs")
	}
	return &Counts{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Dead:    dead.Val(),
	}, nil
}

func (q *RedisQueue) load(id string) (*models.IngestionJob, error) {
	data, err := q.Db.Get(jobKeyPrefix + id).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading job %v", id)
	}
	job := &models.IngestionJob{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, errors.Wrapf(err, "decoding job %v", id)
	}
	return job, nil
}

// save writes the job through c, which may be the client or a pipeline.
func (q *RedisQueue) save(c redis.Cmdable, job *models.IngestionJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return c.Set(jobKeyPrefix+job.ID, data, 0).Err()
}

func (q *RedisQueue) logf(format string, args ...interface{}) {
	q.logger.Info(format, args...)
}
