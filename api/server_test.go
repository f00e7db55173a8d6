package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental-ingest/models"
	"rental-ingest/query"
	"rental-ingest/queue"
	"rental-ingest/storage"
	"rental-ingest/utils"
)

type fixture struct {
	handler http.Handler
	store   *storage.MemoryStore
	queue   *queue.RedisQueue
	redis   *miniredis.Miniredis
}

func quietLogger() *utils.Logger { return utils.NewLoggerTo(&bytes.Buffer{}, "error") }

func ptr[T any](v T) *T { return &v }

func withServer(t *testing.T, action func(f *fixture)) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	store := storage.NewMemoryStore(nil)
	var records []*models.UnifiedRecord
	for i := 1; i <= 30; i++ {
		city := "Paris"
		if i%3 == 0 {
			city = "Rome"
		}
		records = append(records, &models.UnifiedRecord{
			SourceFile:         "listings.json",
			UnifiedID:          fmt.Sprint(i),
			UnifiedCity:        ptr(city),
			UnifiedPrice:       ptr(float64(50 + i)),
			UnifiedIsAvailable: ptr(i%2 == 0),
			OriginalData:       map[string]any{"id": fmt.Sprint(i), "city": city},
		})
	}
	_, err = store.BulkUpsert(context.Background(), records)
	require.NoError(t, err)

	q := queue.NewRedisQueue(client, quietLogger())
	handler := Handler(store, q, Options{
		JobDefaults: queue.EnqueueOptions{MaxAttempts: 1},
		Cache:       NewResponseCache(client, 5*time.Minute, quietLogger()),
		Logger:      quietLogger(),
	})
	action(&fixture{handler: handler, store: store, queue: q, redis: db})
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestGetDataFiltersAndPages(t *testing.T) {
	withServer(t, func(f *fixture) {
		w := f.do(t, "GET", "/data?unifiedCity=Rome&unifiedPrice__gte=60&_sort=unifiedPrice&_order=desc&_limit=3&_skip=1", "")
		require.Equal(t, http.StatusOK, w.Code)

		resp := decode[DataResponse](t, w)
		assert.EqualValues(t, 7, resp.TotalCount)
		assert.Equal(t, 3, resp.Limit)
		assert.Equal(t, 1, resp.Skip)
		require.Len(t, resp.Data, 3)
		assert.Equal(t, "27", resp.Data[0].UnifiedID)
		assert.Equal(t, "24", resp.Data[1].UnifiedID)
		assert.Equal(t, "21", resp.Data[2].UnifiedID)
	})
}

func TestGetDataLimits(t *testing.T) {
	tests := []struct {
		query string
		limit int
		skip  int
	}{
		{"", 20, 0},
		{"_limit=500", 100, 0},
		{"_limit=0", 20, 0},
		{"_limit=abc&_skip=-4", 20, 0},
		{"_limit=5&_skip=28", 5, 28},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			withServer(t, func(f *fixture) {
				resp := decode[DataResponse](t, f.do(t, "GET", "/data?"+tt.query, ""))
				assert.Equal(t, tt.limit, resp.Limit)
				assert.Equal(t, tt.skip, resp.Skip)
				assert.EqualValues(t, 30, resp.TotalCount)
				assert.Len(t, resp.Data, min(tt.limit, 30-tt.skip))
			})
		})
	}
}

func TestGetDataEmptyResultIsArray(t *testing.T) {
	withServer(t, func(f *fixture) {
		w := f.do(t, "GET", "/data?unifiedCity=Oslo", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"data":[]`)
		assert.Contains(t, w.Body.String(), `"totalCount":0`)
	})
}

func TestGetDataIsCached(t *testing.T) {
	withServer(t, func(f *fixture) {
		first := f.do(t, "GET", "/data?unifiedCity=Rome", "")
		require.Equal(t, http.StatusOK, first.Code)
		assert.Equal(t, "MISS", first.Header().Get("X-Cache"))

		// a write after the first read is not visible until the entry expires
		_, err := f.store.BulkUpsert(context.Background(), []*models.UnifiedRecord{
			{SourceFile: "more.json", UnifiedID: "99", UnifiedCity: ptr("Rome")},
		})
		require.NoError(t, err)

		second := f.do(t, "GET", "/data?unifiedCity=Rome", "")
		assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
		assert.Equal(t, first.Body.String(), second.Body.String())

		f.redis.FastForward(6 * time.Minute)
		third := f.do(t, "GET", "/data?unifiedCity=Rome", "")
		assert.Equal(t, "MISS", third.Header().Get("X-Cache"))
		assert.EqualValues(t, 11, decode[DataResponse](t, third).TotalCount)
	})
}

func TestCacheFailureIsBypassed(t *testing.T) {
	withServer(t, func(f *fixture) {
		f.redis.Close()
		w := f.do(t, "GET", "/data?unifiedCity=Rome", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-Cache"))
		assert.EqualValues(t, 10, decode[DataResponse](t, w).TotalCount)
	})
}

type failingStore struct {
	*storage.MemoryStore
}

func (failingStore) Count(context.Context, query.PredicateTree) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestGetDataStoreErrorIsNotCached(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()
	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	handler := Handler(failingStore{storage.NewMemoryStore(nil)}, queue.NewRedisQueue(client, quietLogger()), Options{
		Cache:  NewResponseCache(client, time.Minute, quietLogger()),
		Logger: quietLogger(),
	})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/data", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	}
}

func TestTriggerEnqueuesJob(t *testing.T) {
	withServer(t, func(f *fixture) {
		w := f.do(t, "POST", "/ingestion/trigger", `{"s3Url":"s3://bucket/data/large.json"}`)
		require.Equal(t, http.StatusAccepted, w.Code)

		resp := decode[TriggerResponse](t, w)
		assert.Equal(t, "Job added to queue", resp.Status)
		assert.Equal(t, "s3://bucket/data/large.json", resp.S3URL)
		require.NotEmpty(t, resp.JobID)

		job, err := f.queue.Get(context.Background(), resp.JobID)
		require.NoError(t, err)
		assert.Equal(t, "s3://bucket/data/large.json", job.FileReference)
		assert.Equal(t, 1, job.MaxAttempts)

		w = f.do(t, "GET", "/ingestion/jobs/"+resp.JobID, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, models.StatusWaiting, decode[models.IngestionJob](t, w).Status)

		counts := decode[queue.Counts](t, f.do(t, "GET", "/ingestion/stats", ""))
		assert.EqualValues(t, 1, counts.Waiting)
	})
}

func TestTriggerRejectsMissingReference(t *testing.T) {
	withServer(t, func(f *fixture) {
		for _, body := range []string{`{}`, `{"s3Url":"  "}`, `not json`} {
			w := f.do(t, "POST", "/ingestion/trigger", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, body)
		}
		counts, err := f.queue.Counts(context.Background())
		require.NoError(t, err)
		assert.Zero(t, counts.Waiting)
	})
}

func TestDeadLetterEndpoints(t *testing.T) {
	withServer(t, func(f *fixture) {
		ctx := context.Background()
		queued, err := f.queue.Enqueue(ctx, "s3://bucket/bad.json", queue.EnqueueOptions{MaxAttempts: 1})
		require.NoError(t, err)

		assert.Equal(t, http.StatusConflict, f.do(t, "POST", "/ingestion/dead-letters/"+queued.ID+"/requeue", "").Code)

		job, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
		_, err = f.queue.Fail(ctx, job, nil, errors.New("malformed stream at offset 12"))
		require.NoError(t, err)

		dead := decode[[]models.IngestionJob](t, f.do(t, "GET", "/ingestion/dead-letters", ""))
		require.Len(t, dead, 1)
		assert.Equal(t, job.ID, dead[0].ID)
		assert.Equal(t, "malformed stream at offset 12", dead[0].LastError)

		w := f.do(t, "POST", "/ingestion/dead-letters/"+job.ID+"/requeue", "")
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, models.StatusWaiting, decode[models.IngestionJob](t, w).Status)

		assert.Empty(t, decode[[]models.IngestionJob](t, f.do(t, "GET", "/ingestion/dead-letters", "")))
		assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/ingestion/jobs/unknown", "").Code)
	})
}

func TestHealthAndMetrics(t *testing.T) {
	withServer(t, func(f *fixture) {
		assert.Equal(t, http.StatusOK, f.do(t, "GET", "/healthz", "").Code)

		f.do(t, "GET", "/data", "")
		w := f.do(t, "GET", "/metrics", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "ingest_cache_lookups_total")
	})
}
