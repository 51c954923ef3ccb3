// Command worker runs the asynq-backed caption generation worker pool:
// it claims queued CaptionGenerationTask rows, calls the vision-language
// model, scores and persists the result, and publishes progress to the
// broadcaster hub for any subscribed stream.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vedfolnir/vedfolnir/internal/adapter/repo/postgres"
	"github.com/vedfolnir/vedfolnir/internal/broadcaster"
	"github.com/vedfolnir/vedfolnir/internal/captiongen"
	"github.com/vedfolnir/vedfolnir/internal/config"
	"github.com/vedfolnir/vedfolnir/internal/cryptutil"
	"github.com/vedfolnir/vedfolnir/internal/errorrecovery"
	"github.com/vedfolnir/vedfolnir/internal/observability"
	"github.com/vedfolnir/vedfolnir/internal/platform"
	"github.com/vedfolnir/vedfolnir/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	sealer, err := cryptutil.NewSealer(cfg.CredentialMasterKey)
	if err != nil {
		slog.Error("credential sealer init failed", slog.Any("error", err))
		os.Exit(1)
	}

	tasks := postgres.NewCaptionTaskRepo(pool)
	images := postgres.NewImageRepo(pool)
	posts := postgres.NewPostRepo(pool)
	runs := postgres.NewProcessingRunRepo(pool)
	settings := postgres.NewUserSettingsRepo(pool)
	conns := postgres.NewPlatformConnectionRepo(pool)
	notifications := postgres.NewAdminNotificationRepo(pool)

	captionClient := captiongen.NewHTTPCaptionClient(cfg.CaptionModelURL, cfg.CaptionTimeout)
	factory := platform.NewFactory(sealer, cfg)
	hub := broadcaster.NewHub()
	recovery := errorrecovery.NewRegistry(notifications)

	worker, err := scheduler.NewWorker(cfg.RedisURL, scheduler.Deps{
		Tasks:         tasks,
		Images:        images,
		Posts:         posts,
		Runs:          runs,
		Settings:      settings,
		Conns:         conns,
		Caption:       captionClient,
		Factory:       factory,
		Hub:           hub,
		ErrorRecovery: recovery,
	}, cfg)
	if err != nil {
		slog.Error("worker init failed", slog.Any("error", err))
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("asynq worker starting", slog.Int("concurrency", cfg.ConsumerMaxConcurrency))
		errCh <- worker.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			slog.Error("worker error", slog.Any("error", err))
		}
	}

	worker.Stop()
	slog.Info("worker stopped")
}
