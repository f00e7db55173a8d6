package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"rental-ingest/models"
	"rental-ingest/query"
	"rental-ingest/queue"
	"rental-ingest/storage"
	"rental-ingest/utils"
)

// JobQueue is the part of the job queue exposed over HTTP.
type JobQueue interface {
	Enqueue(ctx context.Context, fileReference string, opts queue.EnqueueOptions) (*models.IngestionJob, error)
	Get(ctx context.Context, id string) (*models.IngestionJob, error)
	DeadLetters(ctx context.Context) ([]*models.IngestionJob, error)
	Requeue(ctx context.Context, id string) (*models.IngestionJob, error)
	Counts(ctx context.Context) (*queue.Counts, error)
}

type Options struct {
	DefaultLimit int
	MaxLimit     int
	// JobDefaults is the retry policy given to triggered jobs.
	JobDefaults queue.EnqueueOptions
	// Cache is optional; GET /data is uncached without it.
	Cache  *ResponseCache
	Logger *utils.Logger
}

// Handler returns the read and ingestion API.
func Handler(store storage.RecordStore, jobs JobQueue, opts Options) http.Handler {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 20
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 100
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewLogger()
	}
	svr := &server{
		store:      store,
		jobs:       jobs,
		translator: query.NewTranslator(opts.Logger),
		opts:       opts,
		logger:     opts.Logger,
	}

	router := mux.NewRouter()
	router.Use(svr.logRequests)
	router.HandleFunc("/healthz", svr.getHealth).Methods("GET").Name("GetHealth")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET").Name("GetMetrics")

	data := http.Handler(http.HandlerFunc(svr.getData))
	if opts.Cache != nil {
		data = opts.Cache.Middleware(data)
	}
	router.Handle("/data", data).Methods("GET").Name("GetData")

	router.HandleFunc("/ingestion/trigger", svr.postTrigger).Methods("POST").Name("PostTrigger")
	router.HandleFunc("/ingestion/stats", svr.getStats).Methods("GET").Name("GetStats")
	router.HandleFunc("/ingestion/jobs/{id}", svr.getJob).Methods("GET").Name("GetJob")
	router.HandleFunc("/ingestion/dead-letters", svr.getDeadLetters).Methods("GET").Name("GetDeadLetters")
	router.HandleFunc("/ingestion/dead-letters/{id}/requeue", svr.postRequeue).Methods("POST").Name("PostRequeue")

	return router
}

type server struct {
	store      storage.RecordStore
	jobs       JobQueue
	translator *query.Translator
	opts       Options
	logger     *utils.Logger
}

type DataResponse struct {
	TotalCount int64                   `json:"totalCount"`
	Limit      int                     `json:"limit"`
	Skip       int                     `json:"skip"`
	Data       []*models.UnifiedRecord `json:"data"`
}

type TriggerRequest struct {
	S3URL         string `json:"s3Url"`
	FileReference string `json:"fileReference"`
}

type TriggerResponse struct {
	Status string `json:"status"`
	S3URL  string `json:"s3Url"`
	JobID  string `json:"jobId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// GET /healthz
func (s *server) getHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// GET /data
func (s *server) getData(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	limit := s.limit(params.Get("_limit"))
	skip, err := strconv.Atoi(params.Get("_skip"))
	if err != nil || skip < 0 {
		skip = 0
	}
	sort := storage.Sort{
		Field: params.Get("_sort"),
		Desc:  strings.EqualFold(params.Get("_order"), "desc"),
	}

	tree, _ := s.translator.Translate(params)

	resp := DataResponse{Limit: limit, Skip: skip}
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		records, err := s.store.FindByFilter(ctx, tree, limit, skip, sort)
		resp.Data = records
		return err
	})
	g.Go(func() error {
		total, err := s.store.Count(ctx, tree)
		resp.TotalCount = total
		return err
	})
	if err := g.Wait(); err != nil {
		s.logger.Error("[api] Query %s failed: %v", r.URL.RawQuery, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "query failed"})
		return
	}
	if resp.Data == nil {
		resp.Data = []*models.UnifiedRecord{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// limit parses _limit, falling back to the default for missing or
// non-positive values and capping at the maximum.
func (s *server) limit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		n = s.opts.DefaultLimit
	}
	return min(n, s.opts.MaxLimit)
}

// POST /ingestion/trigger
func (s *server) postTrigger(w http.ResponseWriter, r *http.Request) {
	body := r.Body
	defer body.Close()

	req := TriggerRequest{}
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}
	ref := strings.TrimSpace(req.S3URL)
	if ref == "" {
		ref = strings.TrimSpace(req.FileReference)
	}
	if ref == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "s3Url is required"})
		return
	}

	job, err := s.jobs.Enqueue(r.Context(), ref, s.opts.JobDefaults)
	if err != nil {
		s.logger.Error("[api] Could not enqueue %s: %v", ref, err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "could not enqueue job"})
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{Status: "Job added to queue", S3URL: ref, JobID: job.ID})
}

// GET /ingestion/stats
func (s *server) getStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.jobs.Counts(r.Context())
	if err != nil {
		s.queueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// GET /ingestion/jobs/{id}
func (s *server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.queueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GET /ingestion/dead-letters
func (s *server) getDeadLetters(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.DeadLetters(r.Context())
	if err != nil {
		s.queueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// POST /ingestion/dead-letters/{id}/requeue
func (s *server) postRequeue(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Requeue(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.queueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *server) queueError(w http.ResponseWriter, err error) {
	switch err {
	case queue.ErrJobNotFound:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case queue.ErrNotDeadLettered:
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		s.logger.Error("[api] Queue request failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "queue unavailable"})
	}
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("[api] %s %s", r.Method, r.URL.RequestURI())
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
