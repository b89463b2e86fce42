package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/config"
	"github.com/OFFIS-RIT/kiwi/ingest/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/ingest/internal/pipeline"
	"github.com/OFFIS-RIT/kiwi/ingest/internal/queue"
	"github.com/OFFIS-RIT/kiwi/ingest/internal/server"
	"github.com/OFFIS-RIT/kiwi/ingest/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/ingest/internal/state"
	"github.com/OFFIS-RIT/kiwi/ingest/internal/storage"
	"github.com/OFFIS-RIT/kiwi/ingest/internal/util"
	"github.com/OFFIS-RIT/kiwi/ingest/internal/worker"

	"github.com/OFFIS-RIT/kiwi/ingest/pkg/ai"
	oai "github.com/OFFIS-RIT/kiwi/ingest/pkg/ai/ollama"
	gai "github.com/OFFIS-RIT/kiwi/ingest/pkg/ai/openai"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/extract"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/leaselock"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/ledger"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger/console"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/orchestrator"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/publish"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/quarantine"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/source"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/verify"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func runCMD() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Poll sources and process documents until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}

			logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
				Debug: cfg.Debug,
				JSON:  cfg.LogJSON,
			}))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}
	config.RegisterFlags(run.Flags())
	return run
}

// usageClient is a model client that also reports drained usage.
type usageClient interface {
	ai.Client
	pipeline.UsageSource
}

func newModelClient(cfg *config.Config) (usageClient, error) {
	switch cfg.LLMAdapter {
	case "ollama":
		client, err := oai.NewClient(oai.NewClientParams{
			Model:   cfg.LLMModel,
			BaseURL: cfg.LLMURL,
			APIKey:  cfg.LLMKey,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create Ollama client: %w", err)
		}
		return client, nil
	default:
		return gai.NewClient(gai.NewClientParams{
			Model:   cfg.LLMModel,
			BaseURL: cfg.LLMURL,
			APIKey:  cfg.LLMKey,
		}), nil
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	metrics.Register(prometheus.DefaultRegisterer)

	model, err := newModelClient(cfg)
	if err != nil {
		return err
	}

	q, err := queue.Open(queue.OpenParams{
		URL:      cfg.QueueURL,
		Name:     cfg.QueueName,
		Prefetch: cfg.Workers,
	})
	if err != nil {
		return fmt.Errorf("failed to open work queue: %w", err)
	}
	defer q.Close()

	l, err := ledger.Open(ledger.OpenParams{Path: cfg.LedgerPath})
	if err != nil {
		return err
	}
	defer l.Close()

	assembler := graph.NewAssembler(graph.NewAssemblerParams{})
	snap, ok, err := publish.LoadSnapshot(cfg.SnapshotDir)
	if err != nil {
		return fmt.Errorf("failed to load graph snapshot: %w", err)
	}
	if ok {
		assembler.Restore(snap)
		nodes, edges := assembler.Stats()
		logger.Info("Restored graph snapshot", "nodes", nodes, "edges", edges)
	}

	var (
		dedup   publish.DedupCache     = publish.NewMemoryDedup()
		seen    orchestrator.SeenStore = orchestrator.NewMemorySeen()
		cursors orchestrator.CursorStore
		locker  orchestrator.Locker
	)
	checks := map[string]middleware.Checker{}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		opts.DialTimeout = 5 * time.Second
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		dedup = publish.NewRedisDedup(rdb, "")
		seen = orchestrator.NewRedisSeen(rdb, "", 0)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info("Using redis for dedup state")
	}

	if cfg.DatabaseURL != "" {
		lock, pool, err := leaselock.Connect(ctx, cfg.DatabaseURL, leaselock.Options{
			TTL:         2 * cfg.PollInterval,
			TokenPrefix: "ingest-",
		})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pool.Close()
		pg := state.NewPostgresCursors(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		cursors = pg
		locker = lock
		checks["database"] = pool.Ping
		logger.Info("Using postgres for cursors and source leases")
	} else {
		fc, err := state.OpenFileCursors(cfg.StatePath)
		if err != nil {
			return err
		}
		cursors = fc
	}

	kubo := publish.NewKubo(publish.NewKuboParams{URL: cfg.IPFSURL})
	checks["ipfs"] = kubo.Ping

	policy := util.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.UploadRetries
	publisher, err := publish.NewPublisher(publish.NewPublisherParams{
		Network:          kubo,
		Ledger:           l,
		Dedup:            dedup,
		Policy:           policy,
		BatchLimit:       cfg.BatchLimit,
		Graph:            assembler,
		SnapshotDir:      cfg.SnapshotDir,
		PointerKey:       cfg.PointerKey,
		SpoolDir:         cfg.SpoolDir,
		FlushInterval:    cfg.FlushInterval,
		SnapshotInterval: cfg.SnapshotInterval,
	})
	if err != nil {
		return err
	}

	var mirror quarantine.Mirror
	if cfg.QuarantineBucket != "" {
		s3Client, err := storage.NewS3Client(ctx, storage.S3Params{
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return err
		}
		mirror = storage.NewBucket(s3Client, cfg.QuarantineBucket)
	}
	store, err := quarantine.NewFileStore(quarantine.NewFileStoreParams{
		Dir:    cfg.QuarantineDir,
		Mirror: mirror,
	})
	if err != nil {
		return err
	}

	handler := pipeline.NewPipeline(pipeline.NewPipelineParams{
		Verifier: verify.NewVerifier(verify.NewVerifierParams{
			AllowedSources:  cfg.AllowedSources,
			MaxPayloadBytes: cfg.MaxPayloadBytes,
		}),
		Extractor: extract.NewExtractor(extract.NewExtractorParams{
			Client:         model,
			RequestTimeout: cfg.RequestTimeout,
			MaxInputTokens: cfg.MaxInputTokens,
		}),
		Quarantine: store,
		Publisher:  publisher,
		Graph:      assembler,
		Usage:      model,
	})

	pool := worker.NewPool(worker.NewPoolParams{
		Queue:       q,
		Handler:     handler,
		Size:        cfg.Workers,
		MaxAttempts: cfg.MaxAttempts,
		JobTimeout:  cfg.JobTimeout,
	})

	sourceCfgs, err := source.LoadConfig(cfg.SourcesPath)
	if err != nil {
		return err
	}
	registry, err := source.Build(ctx, sourceCfgs, source.BuildDeps{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return err
	}
	schedules := make(map[string]orchestrator.Schedule, len(sourceCfgs))
	for _, sc := range sourceCfgs {
		schedules[sc.Name] = orchestrator.Schedule{Interval: sc.Interval, Timeout: sc.Timeout}
	}

	orch, err := orchestrator.NewOrchestrator(orchestrator.NewOrchestratorParams{
		Registry:    registry,
		Queue:       q,
		Seen:        seen,
		Cursors:     cursors,
		Locker:      locker,
		Interval:    cfg.PollInterval,
		Timeout:     cfg.PollTimeout,
		Schedules:   schedules,
		BufferLimit: cfg.BufferLimit,
	})
	if err != nil {
		return err
	}

	logger.Info("Starting ingest",
		"sources", registry.Len(),
		"workers", cfg.Workers,
		"queue", cfg.QueueName,
		"adapter", cfg.LLMAdapter,
		"model", cfg.LLMModel,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return publisher.Run(gctx) })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return orch.Run(gctx) })
	if cfg.AdminAddr != "" {
		g.Go(func() error {
			return server.Run(gctx, cfg.AdminAddr, &middleware.App{
				Quarantine: store,
				Ledger:     l,
				Graph:      assembler,
				Sources:    orch,
				Uploads:    publisher,
				Gatherer:   prometheus.DefaultGatherer,
				Checks:     checks,
				AdminToken: cfg.AdminToken,
			})
		})
	}

	err = g.Wait()
	if pending := publisher.Pending(); pending > 0 {
		logger.Info("Leaving artifacts for the next run", "pending", pending)
	}
	if err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
