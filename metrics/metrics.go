package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "ingest"

const (
	MetricRecordsParsed   = "records_parsed_total"
	MetricRecordsUpserted = "records_upserted_total"
	MetricBatches         = "batches_total"
	MetricFlushDuration   = "flush_duration_seconds"
	MetricJobs            = "jobs_total"
	MetricJobsInProgress  = "jobs_in_progress"
	MetricCacheLookups    = "cache_lookups_total"
)

// Label values.
const (
	ResultOK        = "ok"
	ResultFailed    = "failed"
	UpsertInserted  = "inserted"
	UpsertUpdated   = "updated"
	JobCompleted    = "completed"
	JobRetried      = "retried"
	JobDeadLettered = "dead_lettered"
	CacheHit        = "hit"
	CacheMiss       = "miss"
	CacheError      = "error"
)

var RecordsParsed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricRecordsParsed,
		Help:      "Elements decoded from source streams.",
	},
)

var RecordsUpserted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricRecordsUpserted,
		Help:      "Records written to the store, by outcome.",
	},
	[]string{"outcome"},
)

var Batches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricBatches,
		Help:      "Batch flushes, by result. Failed batches are discarded.",
	},
	[]string{"result"},
)

var FlushDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      MetricFlushDuration,
		Help:      "Duration of one bulk upsert.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	},
)

var Jobs = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricJobs,
		Help:      "Ingestion job attempts, by outcome.",
	},
	[]string{"outcome"},
)

var JobsInProgress = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      MetricJobsInProgress,
		Help:      "Jobs currently being ingested by this process.",
	},
)

var CacheLookups = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricCacheLookups,
		Help:      "Read API response cache lookups, by result.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(RecordsParsed)
	prometheus.MustRegister(RecordsUpserted)
	prometheus.MustRegister(Batches)
	prometheus.MustRegister(FlushDuration)
	prometheus.MustRegister(Jobs)
	prometheus.MustRegister(JobsInProgress)
	prometheus.MustRegister(CacheLookups)
}
