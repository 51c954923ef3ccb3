// Command server starts the Vedfolnir HTTP API: task lifecycle, review
// decisions, and streaming progress over the repositories and scheduler
// wired up here.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/vedfolnir/vedfolnir/internal/adapter/httpserver"
	"github.com/vedfolnir/vedfolnir/internal/adapter/repo/postgres"
	"github.com/vedfolnir/vedfolnir/internal/broadcaster"
	"github.com/vedfolnir/vedfolnir/internal/config"
	"github.com/vedfolnir/vedfolnir/internal/cryptutil"
	"github.com/vedfolnir/vedfolnir/internal/imageproc"
	"github.com/vedfolnir/vedfolnir/internal/observability"
	"github.com/vedfolnir/vedfolnir/internal/platform"
	"github.com/vedfolnir/vedfolnir/internal/ratelimiter"
	"github.com/vedfolnir/vedfolnir/internal/scheduler"
	"github.com/vedfolnir/vedfolnir/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	if runSeedCommand(cfg) {
		return
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	sealer, err := cryptutil.NewSealer(cfg.CredentialMasterKey)
	if err != nil {
		slog.Error("credential sealer init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories
	users := postgres.NewUserRepo(pool)
	conns := postgres.NewPlatformConnectionRepo(pool)
	posts := postgres.NewPostRepo(pool)
	images := postgres.NewImageRepo(pool)
	runs := postgres.NewProcessingRunRepo(pool)
	tasks := postgres.NewCaptionTaskRepo(pool)

	hub := broadcaster.NewHub()
	factory := platform.NewFactory(sealer, cfg)
	proc := imageproc.NewProcessor(cfg.ImageStorageDir, cfg.ImageMaxBytes, cfg.ImageMaxDimPx)

	q, err := scheduler.New(cfg.RedisURL)
	if err != nil {
		slog.Error("queue connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := q.Close(); err != nil {
			slog.Error("failed to close queue client", slog.Any("error", err))
		}
	}()

	var limiter ratelimiter.Limiter
	if opt, err := redis.ParseURL(cfg.RedisURL); err == nil {
		rdb := redis.NewClient(opt)
		buckets := map[string]ratelimiter.BucketConfig{
			"default": ratelimiter.NewBucketConfigFromPerMinute(cfg.PlatformRateLimitPerMin),
		}
		limiter = ratelimiter.NewRedisLuaLimiter(rdb, pool, buckets)
	} else {
		slog.Warn("rate limiter disabled: invalid REDIS_URL", slog.Any("error", err))
	}

	sched := scheduler.NewScheduler(scheduler.IngestDeps{
		Runs:    runs,
		Posts:   posts,
		Images:  images,
		Tasks:   tasks,
		Conns:   conns,
		Queue:   q,
		Factory: factory,
		Proc:    proc,
		Limiter: limiter,
		Hub:     hub,
		Pool:    pool,
	}, cfg)

	schedCtx, cancelSched := context.WithCancel(ctx)
	defer cancelSched()
	sched.Start(schedCtx)

	reconciler := scheduler.NewReconciler(tasks, cfg.SchedulerStuckThreshold, cfg.SchedulerReconcileInterval)
	if _, err := reconciler.ReconcileOnce(ctx); err != nil {
		slog.Error("boot-time stuck task reconciliation failed", slog.Any("error", err))
	}
	go reconciler.Run(schedCtx)

	taskSvc := usecase.NewTaskService(sched, tasks, images, runs)
	reviewSvc := usecase.NewReviewService(images, tasks, posts, conns)
	sessions := httpserver.NewSessionManager(cfg)

	dbCheck := func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	}

	streamHandler := httpserver.NewStreamHandler(hub)
	srv := httpserver.NewServer(cfg, users, taskSvc, reviewSvc, sessions, streamHandler, dbCheck)
	handler := httpserver.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	cancelSched()
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
