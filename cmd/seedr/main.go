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
	"github.com/sanjaykrkundu/seedr/internal/cleanup"
	"github.com/sanjaykrkundu/seedr/internal/config"
	"github.com/sanjaykrkundu/seedr/internal/downloader"
	"github.com/sanjaykrkundu/seedr/internal/downloader/progress"
	"github.com/sanjaykrkundu/seedr/internal/filesystem"
	"github.com/sanjaykrkundu/seedr/internal/http/rest"
	"github.com/sanjaykrkundu/seedr/internal/logctx"
	"github.com/sanjaykrkundu/seedr/internal/notifier"
	"github.com/sanjaykrkundu/seedr/internal/storage/sqlite"
	"github.com/sanjaykrkundu/seedr/internal/telemetry"
	"github.com/sanjaykrkundu/seedr/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("seedr starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)
	instanceID := downloader.GenerateInstanceID()

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		InstanceID:     instanceID,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(ctx, cfg.DBDriver, cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedDownloadRepository(database, tel)

	// =========================================================================
	// Start Downloader
	fs := filesystem.OS{}
	if err := fs.MkdirAll(cfg.DownloadsDir); err != nil {
		return fmt.Errorf("failed to create downloads dir %s: %w", cfg.DownloadsDir, err)
	}

	fetcher := transfer.NewInstrumentedFetcher(transfer.NewHTTPClient(cfg.UserAgent, cfg.FetchTimeout), tel)
	store := progress.NewStore()

	worker := downloader.NewWorker(fetcher, fs, repo, store, tel, downloader.WorkerConfig{
		ChunkSize:         cfg.ChunkSize,
		UserAgent:         cfg.UserAgent,
		InstanceID:        instanceID,
		KeepDownloadedFor: cfg.KeepDownloadedFor,
	})

	dl := downloader.NewDownloader(downloader.Options{
		DownloadsDir: cfg.DownloadsDir,
		MaxParallel:  cfg.MaxParallel,
	}, repo, fs, worker, store, tel)

	if cfg.ReconcileOnStartup {
		if _, err := dl.Reconcile(ctx); err != nil {
			return fmt.Errorf("failed to reconcile unfinished downloads: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer worker.Close()

		return dl.Run(gctx)
	})

	// =========================================================================
	// Start Notification
	var notif notifier.Notifier = notifier.LogNotifier{}
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	// Listeners drain until the worker closes its channels so late events are still sent.
	g.Go(func() error { return notifier.Listen(context.WithoutCancel(gctx), notif, worker.OnDownloadFinished) })
	g.Go(func() error { return notifier.Listen(context.WithoutCancel(gctx), notif, worker.OnDownloadFailed) })

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		return cleanup.Run(gctx, cfg.CleanupInterval, repo, fs, tel)
	})

	// =========================================================================
	// Start API Service
	server := setupServer(gctx, dl, repo, tel, cfg)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Late submissions are refused instead of landing in a queue nobody reads.
		dl.Close()

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.Info("waiting for downloads...",
		"downloads_dir", cfg.DownloadsDir,
		"max_parallel", cfg.MaxParallel,
		"retention", cfg.KeepDownloadedFor.String(),
		"instance_id", instanceID,
	)

	return g.Wait()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, dl *downloader.Downloader, db rest.Pinger, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	h := rest.NewDownloadsHandler(dl, dl.Pool(), db, cfg.DownloadsDir)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", h.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "seedr"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
