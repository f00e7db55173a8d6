package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// StoreDriver selects the document store: "postgres" or "memory".
	StoreDriver string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AWSRegion        string
	S3Endpoint       string
	S3ForcePathStyle bool
	HTTPFetchRetries int

	BatchSize         int
	WorkerConcurrency int
	JobMaxAttempts    int
	JobBackoffType    string
	JobBackoff        time.Duration
	JobTimeout        time.Duration
	QueuePollInterval time.Duration

	HTTPAddr          string
	QueryDefaultLimit int
	QueryMaxLimit     int
	CacheTTL          time.Duration

	BatchAuditPath string
	MaxRetries     int
	LogLevel       string
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	return &Config{
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "ingest"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "ingest123"),
		PostgresDB:       getEnv("POSTGRES_DB", "rental_db"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", "postgres")),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		AWSRegion:        getEnv("AWS_REGION", "eu-central-1"),
		S3Endpoint:       getEnv("S3_ENDPOINT", ""),
		S3ForcePathStyle: getEnvBool("S3_FORCE_PATH_STYLE", false),
		HTTPFetchRetries: getEnvInt("HTTP_FETCH_RETRIES", 2),

		BatchSize:         getEnvInt("BATCH_SIZE", 5000),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 3),
		JobMaxAttempts:    getEnvInt("JOB_MAX_ATTEMPTS", 3),
		JobBackoffType:    strings.ToLower(getEnv("JOB_BACKOFF_TYPE", "fixed")),
		JobBackoff:        getEnvMillis("JOB_BACKOFF_MS", 10000),
		JobTimeout:        getEnvMillis("JOB_TIMEOUT_MS", 0),
		QueuePollInterval: getEnvMillis("QUEUE_POLL_MS", 1000),

		HTTPAddr:          getEnv("HTTP_ADDR", ":3000"),
		QueryDefaultLimit: getEnvInt("QUERY_DEFAULT_LIMIT", 20),
		QueryMaxLimit:     getEnvInt("QUERY_MAX_LIMIT", 100),
		CacheTTL:          time.Duration(getEnvInt("CACHE_TTL_SECONDS", 300)) * time.Second,

		BatchAuditPath: getEnv("BATCH_AUDIT_PATH", "./output/failed_batches.csv"),
		MaxRetries:     getEnvInt("MAX_RETRIES", 5),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}

func getEnvMillis(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Millisecond
}
