package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"rental-ingest/api"
	"rental-ingest/config"
	"rental-ingest/models"
	"rental-ingest/query"
	"rental-ingest/queue"
	"rental-ingest/services"
	"rental-ingest/storage"
	"rental-ingest/utils"
	"rental-ingest/worker"
)

func serveCmd(cfg *config.Config, logger *utils.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read and ingestion trigger API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			q, closeQueue, err := openQueue(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeQueue()

			srv := &http.Server{
				Addr: cfg.HTTPAddr,
				Handler: api.Handler(store, q, api.Options{
					DefaultLimit: cfg.QueryDefaultLimit,
					MaxLimit:     cfg.QueryMaxLimit,
					JobDefaults:  jobDefaults(cfg),
					Cache:        api.NewResponseCache(q.Db, cfg.CacheTTL, logger),
					Logger:       logger,
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("[main] Listening on %s", cfg.HTTPAddr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			logger.Info("[main] Shutting down API")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func workerCmd(cfg *config.Config, logger *utils.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued ingestion jobs until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			q, closeQueue, err := openQueue(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeQueue()

			p, err := openPipeline(ctx, cfg, logger, worker.StateRecorder(q, logger))
			if err != nil {
				return err
			}
			defer p.Close()

			worker.NewDispatcher(q, p.runner, worker.Options{
				Concurrency:  cfg.WorkerConcurrency,
				PollInterval: cfg.QueuePollInterval,
				JobTimeout:   cfg.JobTimeout,
				Logger:       logger,
			}).Run(ctx)
			return nil
		},
	}
}

func submitCmd(cfg *config.Config, logger *utils.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <file-reference>...",
		Short: "Queue one ingestion job per file reference",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeQueue, err := openQueue(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeQueue()

			for _, ref := range args {
				job, err := q.Enqueue(cmd.Context(), ref, jobDefaults(cfg))
				if err != nil {
					return err
				}
				cmd.Printf("%s\t%s\n", job.ID, ref)
			}
			return nil
		},
	}
}

func ingestCmd(cfg *config.Config, logger *utils.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file-reference>",
		Short: "Ingest one file in this process, without the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPipeline(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer p.Close()

			job := &models.IngestionJob{
				ID:            "local-" + time.Now().UTC().Format("20060102T150405"),
				FileReference: args[0],
				MaxAttempts:   1,
				Status:        models.StatusActive,
				CreatedAt:     time.Now(),
			}
			summary, err := p.runner.Run(cmd.Context(), job)
			if summary != nil {
				printJSON(summary)
			}
			return err
		},
	}
}

func jobsCmd(cfg *config.Config, logger *utils.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs [job-id]",
		Short: "Show one job, or the queue counts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeQueue, err := openQueue(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeQueue()

			if len(args) == 0 {
				counts, err := q.Counts(cmd.Context())
				if err != nil {
					return err
				}
				printJSON(counts)
				return nil
			}
			job, err := q.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJSON(job)
			return nil
		},
	}
}

func deadLettersCmd(cfg *config.Config, logger *utils.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "dead-letters",
		Short: "List jobs that used all their attempts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, closeQueue, err := openQueue(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeQueue()

			jobs, err := q.DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			for _, job := range jobs {
				cmd.Printf("%s\t%s\tattempts=%d\t%s\n", job.ID, job.FileReference, job.Attempt, job.LastError)
			}
			return nil
		},
	}
}

func requeueCmd(cfg *config.Config, logger *utils.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Give a dead-lettered job a fresh set of attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeQueue, err := openQueue(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeQueue()

			job, err := q.Requeue(cmd.Context(), args[0])
			if errors.Is(err, queue.ErrNotDeadLettered) {
				return errors.New("job " + args[0] + " is not dead-lettered")
			}
			if err != nil {
				return err
			}
			cmd.Printf("%s requeued (%s)\n", job.ID, job.FileReference)
			return nil
		},
	}
}

// reportPageSize bounds each read while collecting records for the report.
const reportPageSize = 1000

func reportCmd(cfg *config.Config, logger *utils.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "report [filter]",
		Short: "Print insights over stored records, optionally filtered (e.g. unifiedCity=Paris)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			tree := query.PredicateTree{}
			if len(args) == 1 {
				tree, err = parseFilter(args[0], logger)
				if err != nil {
					return err
				}
			}

			records, err := collect(ctx, store, tree)
			if err != nil {
				return err
			}
			insights := services.NewInsightService(logger)
			insights.Print(os.Stdout, insights.Generate(records))
			return nil
		},
	}
}

func parseFilter(raw string, logger *utils.Logger) (query.PredicateTree, error) {
	params, err := url.ParseQuery(raw)
	if err != nil {
		return nil, err
	}
	tree, _ := query.NewTranslator(logger).Translate(params)
	return tree, nil
}

func collect(ctx context.Context, store storage.RecordStore, tree query.PredicateTree) ([]*models.UnifiedRecord, error) {
	var all []*models.UnifiedRecord
	for skip := 0; ; skip += reportPageSize {
		page, err := store.FindByFilter(ctx, tree, reportPageSize, skip, storage.Sort{})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < reportPageSize {
			return all, nil
		}
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
