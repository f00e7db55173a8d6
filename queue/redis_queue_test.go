package queue

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental-ingest/models"
	"rental-ingest/utils"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func withQueue(t *testing.T, action func(q *RedisQueue, clock *fakeClock)) {
	withQueueServer(t, func(q *RedisQueue, clock *fakeClock, _ *miniredis.Miniredis) {
		action(q, clock)
	})
}

func withQueueServer(t *testing.T, action func(q *RedisQueue, clock *fakeClock, db *miniredis.Miniredis)) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := NewRedisQueue(client, utils.NewLoggerTo(&bytes.Buffer{}, "error"))
	q.now = clock.now
	action(q, clock, db)
}

func TestEnqueueDequeueComplete(t *testing.T) {
	withQueue(t, func(q *RedisQueue, _ *fakeClock) {
		ctx := context.Background()
		first, err := q.Enqueue(ctx, "s3://bucket/a.json", EnqueueOptions{})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, "s3://bucket/b.json", EnqueueOptions{})
		require.NoError(t, err)

		assert.Equal(t, models.DefaultMaxAttempts, first.MaxAttempts)
		assert.Equal(t, models.DefaultBackoff, first.Backoff)
		assert.Equal(t, models.StatusWaiting, first.Status)

		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, first.ID, job.ID, "oldest job first")
		assert.Equal(t, models.StatusActive, job.Status)

		counts, err := q.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, &Counts{Waiting: 1, Active: 1}, counts)

		require.NoError(t, q.SetState(ctx, job.ID, models.StateStreaming))
		stored, err := q.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateStreaming, stored.State)

		summary := &models.JobSummary{SourceFile: "a.json", Records: 3}
		require.NoError(t, q.Complete(ctx, job, summary))

		stored, err = q.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, stored.Status)
		assert.Equal(t, summary, stored.Summary)
		assert.NotNil(t, stored.FinishedAt)

		counts, err = q.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, &Counts{Waiting: 1}, counts)
	})
}

func TestDequeueEmpty(t *testing.T) {
	withQueue(t, func(q *RedisQueue, _ *fakeClock) {
		job, err := q.Dequeue(context.Background())
		assert.NoError(t, err)
		assert.Nil(t, job)
	})
}

func TestFailedJobIsRetriedAfterBackoff(t *testing.T) {
	withQueue(t, func(q *RedisQueue, clock *fakeClock) {
		ctx := context.Background()
		_, err := q.Enqueue(ctx, "s3://bucket/a.json", EnqueueOptions{
			MaxAttempts: 3,
			Backoff:     models.BackoffPolicy{Type: models.BackoffExponential, Delay: time.Second},
		})
		require.NoError(t, err)

		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		status, err := q.Fail(ctx, job, nil, errors.New("source unavailable"))
		require.NoError(t, err)
		assert.Equal(t, models.StatusDelayed, status)

		next, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, next, "not due before the backoff elapses")

		clock.advance(999 * time.Millisecond)
		next, err = q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, next)

		clock.advance(time.Millisecond)
		next, err = q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, job.ID, next.ID)
		assert.Equal(t, 1, next.Attempt)
		assert.Equal(t, "source unavailable", next.LastError)

		// second failure waits twice as long
		_, err = q.Fail(ctx, next, nil, errors.New("again"))
		require.NoError(t, err)
		clock.advance(1500 * time.Millisecond)
		again, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, again)
		clock.advance(500 * time.Millisecond)
		again, err = q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, 2, again.Attempt)
	})
}

func TestJobIsDeadLetteredAfterMaxAttempts(t *testing.T) {
	withQueue(t, func(q *RedisQueue, clock *fakeClock) {
		ctx := context.Background()
		_, err := q.Enqueue(ctx, "s3://bucket/bad.json", EnqueueOptions{
			MaxAttempts: 2,
			Backoff:     models.BackoffPolicy{Type: models.BackoffFixed, Delay: 10 * time.Second},
		})
		require.NoError(t, err)

		job, _ := q.Dequeue(ctx)
		status, err := q.Fail(ctx, job, nil, errors.New("malformed stream"))
		require.NoError(t, err)
		assert.Equal(t, models.StatusDelayed, status)

		clock.advance(10 * time.Second)
		job, _ = q.Dequeue(ctx)
		require.NotNil(t, job)
		status, err = q.Fail(ctx, job, &models.JobSummary{Records: 4}, errors.New("malformed stream"))
		require.NoError(t, err)
		assert.Equal(t, models.StatusDeadLettered, status)

		clock.advance(time.Hour)
		next, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, next, "dead-lettered jobs are not retried")

		dead, err := q.DeadLetters(ctx)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, job.ID, dead[0].ID)
		assert.Equal(t, 2, dead[0].Attempt)
		assert.Equal(t, "malformed stream", dead[0].LastError)
		assert.Equal(t, 4, dead[0].Summary.Records)

		counts, err := q.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, &Counts{Dead: 1}, counts)
	})
}

func TestRequeueDeadLetter(t *testing.T) {
	withQueue(t, func(q *RedisQueue, _ *fakeClock) {
		ctx := context.Background()
		queued, err := q.Enqueue(ctx, "s3://bucket/a.json", EnqueueOptions{MaxAttempts: 1})
		require.NoError(t, err)

		_, err = q.Requeue(ctx, queued.ID)
		assert.Equal(t, ErrNotDeadLettered, err)

		job, _ := q.Dequeue(ctx)
		_, err = q.Fail(ctx, job, nil, errors.New("boom"))
		require.NoError(t, err)

		requeued, err := q.Requeue(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusWaiting, requeued.Status)
		assert.Zero(t, requeued.Attempt)
		assert.Nil(t, requeued.FinishedAt)

		dead, err := q.DeadLetters(ctx)
		require.NoError(t, err)
		assert.Empty(t, dead)

		again, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, job.ID, again.ID)
	})
}

func TestGetUnknownJob(t *testing.T) {
	withQueue(t, func(q *RedisQueue, _ *fakeClock) {
		_, err := q.Get(context.Background(), "nope")
		assert.Equal(t, ErrJobNotFound, err)

		_, err = q.Requeue(context.Background(), "nope")
		assert.Equal(t, ErrJobNotFound, err)
	})
}

func TestCanceledContext(t *testing.T) {
	withQueue(t, func(q *RedisQueue, _ *fakeClock) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := q.Enqueue(ctx, "s3://bucket/a.json", EnqueueOptions{})
		assert.ErrorIs(t, err, context.Canceled)
		_, err = q.Dequeue(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestUnreadableDelayedJobStaysQueued(t *testing.T) {
	withQueueServer(t, func(q *RedisQueue, clock *fakeClock, db *miniredis.Miniredis) {
		ctx := context.Background()
		_, err := q.Enqueue(ctx, "s3://bucket/a.json", EnqueueOptions{
			MaxAttempts: 3,
			Backoff:     models.BackoffPolicy{Type: models.BackoffFixed, Delay: time.Second},
		})
		require.NoError(t, err)
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		_, err = q.Fail(ctx, job, nil, errors.New("source unavailable"))
		require.NoError(t, err)

		body, err := db.Get(jobKeyPrefix + job.ID)
		require.NoError(t, err)
		require.NoError(t, db.Set(jobKeyPrefix+job.ID, "not json"))

		clock.advance(time.Second)
		next, err := q.Dequeue(ctx)
		assert.Error(t, err)
		assert.Nil(t, next)

		counts, err := q.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, &Counts{Waiting: 1}, counts)

		require.NoError(t, db.Set(jobKeyPrefix+job.ID, body))
		next, err = q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, job.ID, next.ID)
		assert.Equal(t, models.StatusActive, next.Status)
		assert.Equal(t, 1, next.Attempt)
	})
}

func TestUnreadableWaitingJobIsNotLeftActive(t *testing.T) {
	withQueueServer(t, func(q *RedisQueue, _ *fakeClock, db *miniredis.Miniredis) {
		ctx := context.Background()
		broken, err := q.Enqueue(ctx, "s3://bucket/a.json", EnqueueOptions{})
		require.NoError(t, err)
		healthy, err := q.Enqueue(ctx, "s3://bucket/b.json", EnqueueOptions{})
		require.NoError(t, err)
		db.Del(jobKeyPrefix + broken.ID)

		_, err = q.Dequeue(ctx)
		assert.Equal(t, ErrJobNotFound, err)

		counts, err := q.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, &Counts{Waiting: 2}, counts)

		// the broken job went to the back of the line
		next, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, healthy.ID, next.ID)
	})
}

func TestPromoteMovesJobOnce(t *testing.T) {
	withQueueServer(t, func(q *RedisQueue, _ *fakeClock, db *miniredis.Miniredis) {
		_, err := db.ZAdd(delayedKey, 1, "job-1")
		require.NoError(t, err)

		moved, err := promote(q.Db, "job-1").Int64()
		require.NoError(t, err)
		assert.EqualValues(t, 1, moved)

		moved, err = promote(q.Db, "job-1").Int64()
		require.NoError(t, err)
		assert.Zero(t, moved)

		waiting, err := db.List(waitingKey)
		require.NoError(t, err)
		assert.Equal(t, []string{"job-1"}, waiting)
		assert.False(t, db.Exists(delayedKey))
	})
}
