package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/go-redis/redis"
	"github.com/spf13/cobra"

	"rental-ingest/config"
	"rental-ingest/ingest"
	"rental-ingest/models"
	"rental-ingest/queue"
	"rental-ingest/storage"
	"rental-ingest/utils"
)

func main() {
	cfg := config.Load()
	logger := utils.NewLoggerTo(os.Stdout, cfg.LogLevel)

	root := &cobra.Command{
		Use:           "rental-ingest",
		Short:         "Streams listing datasets into a queryable store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		serveCmd(cfg, logger),
		workerCmd(cfg, logger),
		submitCmd(cfg, logger),
		ingestCmd(cfg, logger),
		jobsCmd(cfg, logger),
		deadLettersCmd(cfg, logger),
		requeueCmd(cfg, logger),
		reportCmd(cfg, logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		logger.Error("%v", err)
		stop()
		os.Exit(1)
	}
}

func startupRetry(cfg *config.Config, logger *utils.Logger) utils.RetryConfig {
	return utils.RetryConfig{MaxAttempts: cfg.MaxRetries, BaseDelay: 500 * time.Millisecond, Logger: logger}
}

// openStore connects the record store selected by STORE_DRIVER.
func openStore(ctx context.Context, cfg *config.Config, logger *utils.Logger) (storage.RecordStore, error) {
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("[main] Using the in-memory store; records are lost on exit")
		return storage.NewMemoryStore(logger), nil
	case "postgres", "":
		store, err := storage.NewPostgresStore(ctx, cfg.DSN(), startupRetry(cfg, logger), logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to PostgreSQL (is it running? docker compose up -d): %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q (want postgres or memory)", cfg.StoreDriver)
	}
}

func openRedis(ctx context.Context, cfg *config.Config, logger *utils.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	retry := startupRetry(cfg, logger)
	if err := retry.DoContext(ctx, "redis ping", func() error { return client.Ping().Err() }); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to Redis at %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

func openSource(cfg *config.Config, logger *utils.Logger) (*ingest.StreamSource, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.AWSRegion).WithS3ForcePathStyle(cfg.S3ForcePathStyle)
	if cfg.S3Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.S3Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}
	return ingest.NewStreamSource(ingest.SourceOptions{
		S3:          s3.New(sess),
		HTTPRetries: cfg.HTTPFetchRetries,
		Logger:      logger,
	}), nil
}

func jobDefaults(cfg *config.Config) queue.EnqueueOptions {
	backoff := models.BackoffPolicy{Type: models.BackoffFixed, Delay: cfg.JobBackoff}
	if cfg.JobBackoffType == string(models.BackoffExponential) {
		backoff.Type = models.BackoffExponential
	}
	return queue.EnqueueOptions{MaxAttempts: cfg.JobMaxAttempts, Backoff: backoff}
}

// pipeline holds what a process that runs ingestion jobs needs.
type pipeline struct {
	store   storage.RecordStore
	auditor *storage.CSVBatchAuditor
	runner  *ingest.Runner
}

func (p *pipeline) Close() {
	_ = p.auditor.Close()
	_ = p.store.Close()
}

func openPipeline(ctx context.Context, cfg *config.Config, logger *utils.Logger, onState func(string, models.JobState)) (*pipeline, error) {
	source, err := openSource(cfg, logger)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	auditor, err := storage.NewCSVBatchAuditor(cfg.BatchAuditPath)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	runner := ingest.NewRunner(source, store, ingest.RunnerOptions{
		BatchSize:     cfg.BatchSize,
		Auditor:       auditor,
		Logger:        logger,
		OnStateChange: onState,
	})
	return &pipeline{store: store, auditor: auditor, runner: runner}, nil
}

func openQueue(ctx context.Context, cfg *config.Config, logger *utils.Logger) (*queue.RedisQueue, func(), error) {
	client, err := openRedis(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return queue.NewRedisQueue(client, logger), func() { _ = client.Close() }, nil
}
