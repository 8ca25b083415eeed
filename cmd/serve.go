package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pagesmith/crawler/internal/api"
	"github.com/pagesmith/crawler/internal/clock/system"
	"github.com/pagesmith/crawler/internal/config"
	collyfetcher "github.com/pagesmith/crawler/internal/fetcher/colly"
	"github.com/pagesmith/crawler/internal/hash/sha256"
	"github.com/pagesmith/crawler/internal/id/uuid"
	"github.com/pagesmith/crawler/internal/logging"
	"github.com/pagesmith/crawler/internal/orchestrator"
	"github.com/pagesmith/crawler/internal/progress"
	"github.com/pagesmith/crawler/internal/progress/sinks"
	"github.com/pagesmith/crawler/internal/robots"
	"github.com/pagesmith/crawler/internal/storage/memory"
	"github.com/pagesmith/crawler/internal/storage/sqlite"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawl service",
		Long: `Starts the HTTP API, recovers interrupted jobs, and runs the
scheduler for recurring crawls. Shuts down gracefully on SIGINT/SIGTERM.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, closeStores, err := buildStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	clk := system.New()
	ids := uuid.New()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return fmt.Errorf("init metrics sink: %w", err)
	}
	hub := progress.NewHub(
		progress.Config{Logger: logger},
		promSink,
		sinks.NewLogSink(logger),
	)

	robotsCache := robots.New(cfg.Crawler.UserAgent, cfg.RobotsTTL(), clk, logger)
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})

	orch := orchestrator.New(
		stores,
		robotsCache,
		fetcher,
		sha256.New(),
		clk,
		ids,
		hub,
		cfg.Crawler.UserAgent,
		logger,
	)
	manager := orchestrator.NewManager(orch, clk, ids, logger)

	if err := manager.Recover(ctx); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	if cfg.Scheduler.Enabled {
		go manager.RunScheduler(ctx, cfg.SchedulerInterval())
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(manager, registry, cfg, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("manager shutdown", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("progress hub close", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// buildStores constructs the persistence layer for the configured driver.
func buildStores(cfg config.Config) (orchestrator.Stores, func(), error) {
	switch cfg.Storage.Driver {
	case "memory":
		return orchestrator.Stores{
			Jobs:  memory.NewJobStore(),
			Queue: memory.NewQueueStore(),
			Pages: memory.NewPageStore(),
			Runs:  memory.NewRunHistoryStore(),
		}, func() {}, nil
	default:
		db, err := sqlite.Open(cfg.Storage.Path)
		if err != nil {
			return orchestrator.Stores{}, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return orchestrator.Stores{
			Jobs:  db.Jobs(),
			Queue: db.Queue(),
			Pages: db.Pages(),
			Runs:  db.Runs(),
		}, func() { _ = db.Close() }, nil
	}
}
