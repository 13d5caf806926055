package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hookrelay/hookrelay/internal/admin"
	"github.com/hookrelay/hookrelay/internal/config"
	"github.com/hookrelay/hookrelay/internal/dlq"
	"github.com/hookrelay/hookrelay/internal/engine"
	"github.com/hookrelay/hookrelay/internal/ingest"
	"github.com/hookrelay/hookrelay/internal/queue"
	"github.com/hookrelay/hookrelay/internal/sigverify"
	"github.com/hookrelay/hookrelay/internal/store"
	"github.com/hookrelay/hookrelay/internal/worker"
	"github.com/hookrelay/hookrelay/migrations"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres: endpoints, delivery records, settings.
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()

	if err := pgStore.RunMigrations(ctx, migrations.Files); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	// Redis: delivery queue, idempotency, engine guards.
	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()

	q := queue.New(redisStore.Client(), logger, time.Duration(cfg.VisibilityTimeout)*time.Second)
	go q.StartReaper(ctx, 15*time.Second)

	// Dead-letter sink: S3 when a bucket is configured, Redis otherwise.
	var blobs dlq.BlobStore
	if cfg.DLQBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			logger.Error("failed to load aws config", "error", err)
			os.Exit(1)
		}
		blobs = dlq.NewS3Store(s3.NewFromConfig(awsCfg), cfg.DLQBucket)
		logger.Info("dead-letter sink using s3", "bucket", cfg.DLQBucket)
	} else {
		blobs = dlq.NewRedisStore(redisStore.Client())
		logger.Info("dead-letter sink using redis")
	}

	breaker := engine.NewCircuitBreaker(redisStore.Client(), logger, 5, 30*time.Second)
	limiter := engine.NewRateLimiter(redisStore.Client(), logger)

	// Worker pool.
	deliverer := worker.NewDeliverer(worker.Config{
		Endpoints: pgStore,
		Records:   pgStore,
		Queue:     q,
		DLQ:       blobs,
		Breaker:   breaker,
		Limiter:   limiter,
		Settings:  pgStore,
		Logger:    logger,
	})
	pool := worker.NewPool(cfg.ConcurrentDeliv, deliverer, logger)
	pool.Start(ctx)
	dispatcher := worker.NewDispatcher(q, pool, logger)
	go dispatcher.Start(ctx)

	// Ingest gateway.
	verifier := sigverify.New(time.Duration(cfg.ReplayWindowSec)*time.Second, cfg.DevBypassHMAC())
	if cfg.DevBypassHMAC() {
		logger.Warn("hmac verification dev bypass is enabled")
	}
	cache := ingest.NewEndpointCache(pgStore, time.Duration(cfg.EndpointCacheSec)*time.Second)
	gateway := ingest.NewGateway(ingest.GatewayConfig{
		Endpoints:      cache,
		Verifier:       verifier,
		Validator:      ingest.NewValidator(cfg.MaxBodyMB),
		Records:        pgStore,
		Queue:          q,
		Deduper:        ingest.NewDeduper(redisStore.Client(), time.Duration(cfg.IdempotencyWindow)*time.Second),
		Logger:         logger,
		RequestTimeout: time.Duration(cfg.RequestTimeoutSec) * time.Second,
	})

	// Operator control plane.
	if len(cfg.AdminTokens) == 0 {
		logger.Warn("no admin tokens configured; control plane rejects all calls")
	}
	adminServer := admin.NewServer(admin.ServerConfig{
		Store:   pgStore,
		Queue:   q,
		Blobs:   blobs,
		Cache:   cache,
		Breaker: breaker,
		Auth:    admin.NewAuthenticator(cfg.AdminTokens),
		Logger:  logger,
	})

	ingestSrv := newHTTPServer(":"+cfg.IngestPort, gateway.Router())
	adminSrv := newHTTPServer(":"+cfg.AdminPort, adminServer.Router())

	errCh := make(chan error, 2)
	go func() {
		logger.Info("ingest gateway starting", "port", cfg.IngestPort)
		errCh <- ingestSrv.ListenAndServe()
	}()
	go func() {
		logger.Info("admin control plane starting", "port", cfg.AdminPort)
		errCh <- adminSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	}

	// Cancel the dispatcher and reaper before tearing the pool down; the
	// pool's jobs channel must not close while the dispatcher can Submit.
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := ingestSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ingest shutdown", "error", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin shutdown", "error", err)
	}
	<-dispatcher.Done()
	pool.Stop()

	logger.Info("server stopped")
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
