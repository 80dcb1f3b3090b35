package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/pixelgate/internal/api"
	"github.com/dunamismax/pixelgate/internal/cache"
	"github.com/dunamismax/pixelgate/internal/config"
	"github.com/dunamismax/pixelgate/internal/pipeline"
	"github.com/dunamismax/pixelgate/internal/queue"
	"github.com/dunamismax/pixelgate/internal/ratelimit"
	"github.com/dunamismax/pixelgate/internal/request"
	"github.com/dunamismax/pixelgate/internal/storage"
	"github.com/dunamismax/pixelgate/internal/store"
	"github.com/dunamismax/pixelgate/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "pixelgate-api",
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

	autoWebP := cfg.Handler.AutoWebP
	if autoWebP && !pipeline.SupportsFormat("webp") {
		logger.Printf("AUTO_WEBP disabled: renderer cannot encode webp")
		autoWebP = false
	}

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
	if len(cfg.Handler.SourceBuckets) == 0 {
		logger.Printf("SOURCE_BUCKETS is empty: every image request will fail")
	}

	opts := api.Options{
		Assembler:           assembler,
		RateLimitHeader:     cfg.RateLimit.SubjectHeader,
		CORSOrigins:         cfg.Handler.CORSOrigins,
		CacheControlDefault: cfg.Handler.CacheControlDefault,
		PresignTTL:          cfg.API.PresignTTL,
	}

	var fetcher pipeline.Fetcher
	if cfg.Storage.LocalRoot != "" {
		logger.Printf("serving objects from local directory root=%s", cfg.Storage.LocalRoot)
		fetcher = pipeline.DirFetcher{Root: cfg.Storage.LocalRoot}
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
		fetcher = pipeline.ObjectStoreFetcher{Storage: storageClient}
		opts.Storage = storageClient
	}

	processor, err := pipeline.NewProcessor(fetcher, assembler.Buckets())
	if err != nil {
		logger.Fatalf("processor setup failed: %v", err)
	}
	opts.Renderer = processor

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
		opts.Jobs = pgStore
	} else {
		logger.Printf("DATABASE_URL not set: rendition jobs are kept in memory and invisible to workers")
		opts.Jobs = store.NewMemoryJobStore()
	}

	if cfg.Cache.Enabled || cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(cfg.Queue.RedisOptions())
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Printf("redis client close error: %v", err)
			}
		}()

		if cfg.Cache.Enabled {
			renditionCache, err := cache.New(redisClient, cfg.Cache.TTL, cfg.Cache.MaxBytes)
			if err != nil {
				logger.Fatalf("rendition cache setup failed: %v", err)
			}
			opts.Cache = renditionCache
		}
		if cfg.RateLimit.Enabled {
			limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window, "")
			if err != nil {
				logger.Fatalf("rate limiter setup failed: %v", err)
			}
			opts.RateLimiter = limiter
		}
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), queue.Options{
		Queue:    cfg.Queue.Name,
		MaxRetry: cfg.Queue.MaxRetry,
		Timeout:  cfg.Queue.Timeout,
	})
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()
	opts.Queue = queueClient

	app, err := api.NewServer(logger, opts)
	if err != nil {
		logger.Fatalf("api setup failed: %v", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s source_buckets=%v cache=%t rate_limit=%t", cfg.API.Addr, cfg.Handler.SourceBuckets, cfg.Cache.Enabled, cfg.RateLimit.Enabled)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}
