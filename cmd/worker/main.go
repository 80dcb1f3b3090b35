package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/pixelgate/internal/config"
	"github.com/dunamismax/pixelgate/internal/pipeline"
	"github.com/dunamismax/pixelgate/internal/request"
	"github.com/dunamismax/pixelgate/internal/storage"
	"github.com/dunamismax/pixelgate/internal/store"
	"github.com/dunamismax/pixelgate/internal/telemetry"
	"github.com/dunamismax/pixelgate/internal/webhook"
	"github.com/dunamismax/pixelgate/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "pixelgate-worker",
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	if err := pipeline.Startup(); err != nil {
		logger.Fatalf("image runtime startup failed: %v", err)
	}
	defer pipeline.Shutdown()

	autoWebP := cfg.Handler.AutoWebP && pipeline.SupportsFormat("webp")
	assembler, err := request.NewAssembler(request.Options{
		SourceBuckets:       cfg.Handler.SourceBuckets,
		RewriteMatchPattern: cfg.Handler.RewriteMatchPattern,
		RewriteSubstitution: cfg.Handler.RewriteSubstitution,
		AutoWebP:            autoWebP,
		MaxDimension:        cfg.Handler.MaxDimension,
	})
	if err != nil {
		logger.Fatalf("request assembler setup failed: %v", err)
	}

	var (
		fetcher pipeline.Fetcher
		emitter pipeline.Emitter
	)
	if cfg.Storage.LocalRoot != "" {
		fetcher = pipeline.DirFetcher{Root: cfg.Storage.LocalRoot}
		emitter = pipeline.DirEmitter{Root: cfg.Storage.LocalRoot, OutputPrefix: cfg.Worker.OutputPrefix}
	} else {
		storageClient, err := storage.NewClient(storage.Config{
			Endpoint:     cfg.Storage.Endpoint,
			Access:       cfg.Storage.AccessKey,
			Secret:       cfg.Storage.SecretKey,
			OutputBucket: cfg.Storage.OutputBucket,
			UseSSL:       cfg.Storage.UseSSL,
			CacheControl: cfg.Handler.CacheControlDefault,
		})
		if err != nil {
			logger.Fatalf("storage setup failed: %v", err)
		}
		if err := storageClient.EnsureOutputBucket(ctx); err != nil {
			logger.Fatalf("output bucket setup failed: %v", err)
		}
		fetcher = pipeline.ObjectStoreFetcher{Storage: storageClient}
		emitter = pipeline.ObjectStoreEmitter{Storage: storageClient, OutputPrefix: cfg.Worker.OutputPrefix}
	}

	processor, err := pipeline.NewProcessor(fetcher, assembler.Buckets())
	if err != nil {
		logger.Fatalf("processor setup failed: %v", err)
	}

	var jobs store.JobStore
	if cfg.Database.DSN != "" {
		pgStore, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("job store setup failed: %v", err)
		}
		defer func() {
			if err := pgStore.Close(); err != nil {
				logger.Printf("job store close error: %v", err)
			}
		}()
		jobs = pgStore
	} else {
		logger.Printf("DATABASE_URL not set: job status updates will not reach the api")
		jobs = store.NewMemoryJobStore()
	}

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, worker.Deps{
		Assembler: assembler,
		Renderer:  processor,
		Emitter:   emitter,
		Webhooks: webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
		}),
		Jobs: jobs,
	})
	if err != nil {
		logger.Fatalf("worker setup failed: %v", err)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server failed: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("metrics shutdown failed: %v", err)
		}
	}()

	logger.Printf(
		"starting worker concurrency=%d max_active_jobs=%d queue=%s redis=%s",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
	)

	if err := srv.Run(); err != nil {
		logger.Printf("worker failed: %v", err)
	}
}
