package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpAdapter "github.com/cwygoda/enhancer/internal/adapter/http"
	"github.com/cwygoda/enhancer/internal/adapter/localref"
	"github.com/cwygoda/enhancer/internal/adapter/remote"
	"github.com/cwygoda/enhancer/internal/adapter/sqlite"
	"github.com/cwygoda/enhancer/internal/config"
	"github.com/cwygoda/enhancer/internal/domain"
	"github.com/cwygoda/enhancer/internal/export"
	"github.com/cwygoda/enhancer/internal/poller"
	"github.com/cwygoda/enhancer/internal/upload"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting enhancer",
		zap.Int("port", cfg.Port),
		zap.String("api_url", cfg.APIBaseURL),
		zap.String("db", cfg.DBPath),
	)

	client, err := remote.New(cfg.APIBaseURL,
		remote.WithTimeout(cfg.RequestTimeout),
		remote.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		remote.WithLogger(logger.Named("remote")),
	)
	if err != nil {
		return err
	}

	formats, err := upload.FormatsFor(cfg.AllowedTypes)
	if err != nil {
		return err
	}
	validator := upload.NewValidator(cfg.MaxFileSize, formats)

	refs := localref.New()
	registry := domain.NewRegistry(refs)

	coordinator := poller.New(registry, client, logger.Named("poller"),
		poller.WithInterval(cfg.PollInterval),
		poller.WithRetryInterval(cfg.RetryInterval),
	)

	svc := domain.NewJobService(registry, client, coordinator, validator, logger.Named("jobs"))
	svc.SetConcurrency(cfg.UploadConcurrency)

	opts := []httpAdapter.Option{
		httpAdapter.WithOriginals(refs),
		httpAdapter.WithHealthCheck(client),
		httpAdapter.WithResults(export.NewResults(client, cfg.Factor, logger.Named("export"))),
		httpAdapter.WithMaxRequestSize(cfg.MaxFileSize * 10),
	}

	if cfg.HistoryEnabled() {
		repo, err := sqlite.New(cfg.DBPath, logger.Named("history"))
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer repo.Close()
		registry.AddListener(repo)
		opts = append(opts,
			httpAdapter.WithHistory(repo),
			httpAdapter.WithExporter(export.NewService(repo, logger.Named("export"))),
		)
	}

	srv := httpAdapter.NewServer(svc, cfg.Addr(), logger.Named("http"), opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	probeRemote(ctx, client, validator, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		coordinator.Close()
		svc.Wait()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// probeRemote logs the service limits and warns when they are tighter than ours.
func probeRemote(ctx context.Context, client *remote.Client, validator *upload.Validator, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stats, err := client.Stats(ctx)
	if err != nil {
		logger.Warn("enhancement service unavailable", zap.Error(err))
		return
	}
	logger.Info("enhancement service reachable",
		zap.Int("uploads", stats.Uploads),
		zap.Int("results", stats.Results),
		zap.Strings("allowed_extensions", stats.AllowedExtensions),
	)
	if stats.MaxFileSizeMB > 0 && int64(stats.MaxFileSizeMB*(1<<20)) < validator.MaxSize() {
		logger.Warn("service accepts smaller files than configured",
			zap.Float64("service_max_mb", stats.MaxFileSizeMB),
			zap.Int64("max_file_size", validator.MaxSize()),
		)
	}
}
