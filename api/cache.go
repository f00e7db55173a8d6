package api

import (
	"bytes"
	"net/http"
	"time"

	"github.com/go-redis/redis"

	"rental-ingest/metrics"
	"rental-ingest/utils"
)

const cacheKeyPrefix = "ingest:cache:"

// ResponseCache stores successful GET responses in Redis, keyed by request
// URI. Redis failures are logged and the request is served uncached.
type ResponseCache struct {
	Db     *redis.Client
	ttl    time.Duration
	logger *utils.Logger
}

func NewResponseCache(db *redis.Client, ttl time.Duration, logger *utils.Logger) *ResponseCache {
	return &ResponseCache{Db: db, ttl: ttl, logger: logger}
}

// Middleware serves cached responses with X-Cache: HIT and caches 200
// responses produced by next.
func (c *ResponseCache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		key := cacheKeyPrefix + r.URL.RequestURI()

		cached, err := c.Db.Get(key).Bytes()
		switch {
		case err == nil:
			metrics.CacheLookups.WithLabelValues(metrics.CacheHit).Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "HIT")
			_, _ = w.Write(cached)
			return
		case err == redis.Nil:
			metrics.CacheLookups.WithLabelValues(metrics.CacheMiss).Inc()
		default:
			metrics.CacheLookups.WithLabelValues(metrics.CacheError).Inc()
			c.logger.Warn("[cache] Lookup of %s failed: %v", key, err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-Cache", "MISS")
		rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status != http.StatusOK {
			return
		}
		if err := c.Db.Set(key, rec.body.Bytes(), c.ttl).Err(); err != nil {
			c.logger.Warn("[cache] Could not store %s: %v", key, err)
		}
	})
}

// recordingWriter passes the response through and keeps a copy of it.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
