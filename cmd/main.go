package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/topscores/internal/backend"
	"github.com/l0p7/topscores/internal/config"
	"github.com/l0p7/topscores/internal/logging"
	"github.com/l0p7/topscores/internal/metrics"
	"github.com/l0p7/topscores/internal/ranking"
	"github.com/l0p7/topscores/internal/scheduler"
	"github.com/l0p7/topscores/internal/server"
)

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return config.NewLoader(envPrefix, configFile)
	}
	newHTTPServer = func(cfg config.ServerConfig, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
	logWriter io.Writer = os.Stdout
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "TOPSCORES", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.NewWithWriter(cfg.Server.Logging, logWriter)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	listCache, cacheName := backend.OpenCache(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := listCache.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	scores, err := backend.OpenStore(ctx, logger.With(slog.String("agent", "store_factory")), cfg.Server.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := scores.Close(); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
		}
	}()

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	engine, err := ranking.New(ranking.SettingsFromConfig(cfg), scores, listCache, logger, ranking.WithMetrics(recorder))
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	runner, err := scheduler.New(logger, scheduler.Jobs(engine, cfg.Maintenance)...)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	handler := server.NewRouter(engine, logger, server.RouterOptions{
		LocationHeader: cfg.Server.Request.LocationHeader,
		MaxBodyBytes:   cfg.Server.Request.MaxBodyBytes,
		StoreBackend:   backend.StoreName(cfg.Server.Store),
		CacheBackend:   cacheName,
		Metrics:        recorder,
	})
	srv, err := newHTTPServer(cfg.Server, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	schedulerDone := make(chan struct{})
	go func() {
		runner.Run(runCtx)
		close(schedulerDone)
	}()

	err = srv.Run(runCtx)
	cancel()
	<-schedulerDone
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}
