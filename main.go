// entry point of the application
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"mediaqueue/internal/artifact"
	"mediaqueue/internal/broadcast"
	"mediaqueue/internal/config"
	"mediaqueue/internal/consts"
	"mediaqueue/internal/database"
	"mediaqueue/internal/depmanager"
	"mediaqueue/internal/downloader"
	"mediaqueue/internal/engine"
	httprouter "mediaqueue/internal/infrastructure/delivery/http"
	"mediaqueue/internal/infrastructure/delivery/http/middleware"
	"mediaqueue/internal/observability"
	"mediaqueue/internal/progress"
	"mediaqueue/internal/proxymgr"
	"mediaqueue/internal/service"
	"mediaqueue/internal/storage"
	httpserver "mediaqueue/pkg/http/server"
	"mediaqueue/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.New()
	if err != nil {
		slog.Error("config new", slog.Any("error", err))
		stop()
		os.Exit(1) //nolint:gocritic
	}

	log, err := logger.New(&logger.Options{
		AddSource: true,
		Level:     cfg.App.LogLevel,
	})
	if err != nil {
		slog.WarnContext(ctx, "logger level invalid; defaulting to info", slog.Any("error", err))
	}

	if err := run(ctx, log, cfg); err != nil {
		log.ErrorContext(ctx, "mediaqueue failed", slog.Any("error", err))
		stop()
		os.Exit(1)
	}

	log.InfoContext(ctx, "mediaqueue shut down gracefully")
}

func run(ctx context.Context, log *slog.Logger, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics := observability.New(prometheus.DefaultRegisterer)

	var journal storage.Journal

	if cfg.Database.Path != "" {
		db, err := database.Open(ctx, log, cfg.Database.Path, cfg.Database.BusyTimeout)
		if err != nil {
			return err
		}

		defer func() {
			if err := db.Close(); err != nil {
				log.ErrorContext(ctx, "database close", slog.Any("error", err))
			}
		}()

		journal = db
	}

	store := storage.New(log, storage.Options{
		DefaultPageSize:  cfg.Storage.DefaultPageSize,
		MaxPageSize:      cfg.Storage.MaxPageSize,
		RejectDuplicates: cfg.Storage.RejectDuplicates,
	}, journal, metrics)

	if journal != nil {
		restored, err := store.Restore(ctx)
		if err != nil {
			return err
		}

		log.InfoContext(ctx, "tasks restored", slog.Int("count", restored))
	}

	collab, extractor, err := collaborators(ctx, log, cfg, metrics)
	if err != nil {
		return err
	}

	hub := broadcast.New(log, store, metrics, broadcast.Options{
		HeartbeatInterval: cfg.Broadcast.HeartbeatInterval,
		LivenessWindow:    cfg.Broadcast.LivenessWindow,
		BufferSize:        cfg.Broadcast.BufferSize,
	})

	agg := progress.New(log, store, hub, metrics, progress.Options{
		Interval:  cfg.Progress.Interval,
		Smoothing: cfg.Progress.Smoothing,
	})

	eng := engine.New(log, store, agg, collab, metrics, engine.Options{
		MaxConcurrent:  cfg.Engine.MaxConcurrent,
		QueueSize:      cfg.Engine.QueueSize,
		ExtractTimeout: cfg.Engine.ExtractTimeout,
		FetchTimeout:   cfg.Engine.FetchTimeout,
		ProcessTimeout: cfg.Engine.ProcessTimeout,
		CancelGrace:    cfg.Engine.CancelGrace,
		DownloadDir:    cfg.Dir.Downloads,
	})

	svc := service.New(log, store, eng, agg, hub, extractor, metrics, service.Options{
		TTL:             cfg.Storage.TTL,
		CleanupInterval: cfg.Storage.CleanupInterval,
		RemoveFiles:     cfg.Storage.RemoveFiles,
		ExtractTimeout:  cfg.Engine.ExtractTimeout,
	})

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	}

	router := httprouter.New(log, svc, hub, metrics, prometheus.DefaultGatherer, httprouter.Options{
		HandlerTimeout: cfg.HTTP.HandlerTimeout,
		WriteTimeout:   cfg.Broadcast.WriteTimeout,
		RateLimiter:    limiter,
	})

	var wg sync.WaitGroup

	wg.Go(func() { eng.Run(ctx) })
	wg.Go(func() { hub.Run(ctx) })
	wg.Go(func() { svc.RunCleanup(ctx) })

	httpSrv := httpserver.New(router, httpserver.Options{
		Addr:            cfg.HTTP.Port,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	})

	log.InfoContext(ctx, "mediaqueue started",
		slog.String("port", cfg.HTTP.Port),
		slog.String("downloader", cfg.App.Downloader),
		slog.Int("max_concurrent", cfg.Engine.MaxConcurrent))

	select {
	case <-ctx.Done():
	case err := <-httpSrv.Notify():
		log.ErrorContext(ctx, "http server stopped", slog.Any("error", err))
	}

	cancel()

	if err := httpSrv.Shutdown(); err != nil {
		log.ErrorContext(ctx, "http server shutdown", slog.Any("error", err))
	}

	wg.Wait()

	return nil
}

// collaborators builds the pipeline steps selected by cfg.App.Downloader.
func collaborators(ctx context.Context, log *slog.Logger, cfg *config.Config,
	metrics *observability.Metrics,
) (engine.Collaborators, downloader.Extractor, error) {
	var collab engine.Collaborators

	if cfg.Artifact.Enabled {
		uploader, err := artifact.NewS3(ctx, log, cfg.Artifact, metrics)
		if err != nil {
			return collab, nil, err
		}

		collab.Uploader = uploader
	}

	if cfg.App.Downloader == consts.DownloaderMock {
		mock := downloader.NewMock(log, downloader.MockOptions{})
		collab.Extractor, collab.Fetcher, collab.PostProcessor = mock, mock, mock

		return collab, mock, nil
	}

	deps := depmanager.New(log, cfg.DepManager)

	log.InfoContext(ctx, "checking if yt-dlp and ffmpeg are installed. it may take some time...")

	if err := deps.Resolve(ctx); err != nil {
		return collab, nil, err
	}

	var proxies *proxymgr.Manager
	if len(cfg.Proxy.Proxies) > 0 {
		proxies = proxymgr.New(log, cfg.Proxy, metrics)
		go proxies.Run(ctx)

		log.InfoContext(ctx, "proxy manager initialized", slog.Int("proxy_count", len(cfg.Proxy.Proxies)))
	}

	yt := downloader.NewYTdlp(log, downloader.YTdlpOptions{
		Executable: deps.Path(depmanager.BinaryYTdlp),
		FFmpeg:     deps.Path(depmanager.BinaryFFmpeg),
		CacheDir:   cfg.Dir.Cache,
	}, proxies, metrics)
	native := downloader.NewNative(log, nil, proxies, metrics)

	collab.Extractor = yt
	collab.Fetcher = downloader.NewRouter(native, yt)
	collab.PostProcessor = downloader.NewFFmpeg(log, deps.Path(depmanager.BinaryFFmpeg), metrics)

	return collab, yt, nil
}
