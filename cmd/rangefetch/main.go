package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/italolelis/rangefetch/internal/cleanup"
	"github.com/italolelis/rangefetch/internal/clock"
	"github.com/italolelis/rangefetch/internal/config"
	"github.com/italolelis/rangefetch/internal/downloader"
	"github.com/italolelis/rangefetch/internal/http/rest"
	"github.com/italolelis/rangefetch/internal/logctx"
	"github.com/italolelis/rangefetch/internal/merge"
	"github.com/italolelis/rangefetch/internal/notifier"
	"github.com/italolelis/rangefetch/internal/progress"
	"github.com/italolelis/rangefetch/internal/queue"
	"github.com/italolelis/rangefetch/internal/retry"
	"github.com/italolelis/rangefetch/internal/storage"
	"github.com/italolelis/rangefetch/internal/storage/sqlite"
	"github.com/italolelis/rangefetch/internal/telemetry"
	"github.com/italolelis/rangefetch/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewContextHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("rangefetch starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedTaskRepository(database, tel)

	// =========================================================================
	// Start Download Engine
	clk := clock.Real{}

	client := transfer.NewInstrumentedClient(transfer.NewClient(transfer.Options{
		ConnectTimeout:      cfg.ConnectTimeout,
		ReadTimeout:         cfg.ReadTimeout,
		UserAgent:           cfg.UserAgent,
		MaxIdleConnsPerHost: cfg.MaxConnections,
		Token:               cfg.SourceToken,
		ProbeRetry:          retryPolicy(cfg, cfg.ProbeRetries),
		Clock:               clk,
	}), tel)

	runner := downloader.NewManager(client, repo, downloader.NewHostLimiter(cfg.MaxConnectionsPerHost), downloader.Config{
		TempDir:            cfg.TempDir,
		ChunkSize:          int(cfg.ChunkSize),
		CheckpointInterval: cfg.CheckpointInterval,
		Retry:              retryPolicy(cfg, cfg.MaxRetries),
		Clock:              clk,
	}, tel)

	merger := merge.NewMerger(merge.Config{
		Thresholds: merge.Thresholds{
			Small: int64(cfg.MergeSmallThreshold),
			Large: int64(cfg.MergeLargeThreshold),
		},
		BufferSize:      int(cfg.MergeBufferSize),
		LargeBufferSize: int(cfg.MergeLargeBufferSize),
		FlushEvery:      int64(cfg.MergeFlushEvery),
	}, tel)

	agg := progress.NewAggregator(progress.Config{
		Interval: cfg.ProgressInterval,
		Window:   cfg.ProgressWindow,
		Clock:    clk,
	})

	manager := queue.NewManager(repo, client, runner, merger, agg, clk, queue.Settings{
		MaxConcurrent:     cfg.MaxConcurrentDownloads,
		MaxConnections:    cfg.MaxConnections,
		MinSegmentSize:    int64(cfg.MinSegmentSize),
		DownloadDir:       cfg.DownloadDir,
		TempDir:           cfg.TempDir,
		AdmissionInterval: cfg.AdmissionInterval,
	}, tel)

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}

	// =========================================================================
	// Start Cleanup
	go cleanup.Run(ctx, repo, cfg.TempDir, cfg.CleanupInterval)

	// =========================================================================
	// Start Notification
	setupNotification(ctx, manager, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, manager, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"temp_dir", cfg.TempDir,
		"max_concurrent", cfg.MaxConcurrentDownloads,
		"max_connections", cfg.MaxConnections,
	)

	select {
	case err := <-serverErrors:
		shutdownQueue(ctx, manager, cfg)

		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Running tasks checkpoint and pause before the API goes away.
		shutdownQueue(ctx, manager, cfg)

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

func retryPolicy(cfg *config.Config, maxRetries int) retry.Policy {
	return retry.Policy{
		MaxRetries: maxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		Multiplier: cfg.RetryMultiplier,
		MaxDelay:   cfg.RetryMaxDelay,
	}
}

func shutdownQueue(ctx context.Context, manager *queue.Manager, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := manager.Shutdown(ctx); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to stop queue", "err", err)
	}
}

func setupNotification(ctx context.Context, manager *queue.Manager, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.NotifyWebhookURL != "" {
		notif = &notifier.WebhookNotifier{URL: cfg.NotifyWebhookURL}
	}

	send := func(task *storage.Task) {
		if notif == nil {
			return
		}

		if err := notif.Notify(context.WithoutCancel(ctx), task); err != nil {
			logger.Error("failed to send notification", "task_id", task.ID, "err", err)
		}
	}

	go func() {
		for task := range manager.OnTaskFailed {
			logger.Error("download failed", "task_id", task.ID, "url", task.URL, "err", task.Error)
			send(task)
		}
	}()

	go func() {
		for task := range manager.OnTaskCompleted {
			logger.Info("download finished", "task_id", task.ID, "path", task.Path())
			send(task)
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, manager *queue.Manager, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	tasks := rest.NewTasksHandler(cfg.Web.Username, cfg.Web.Password, manager)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", tasks.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "rangefetch"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
