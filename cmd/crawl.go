package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pagesmith/crawler/internal/clock/system"
	"github.com/pagesmith/crawler/internal/config"
	"github.com/pagesmith/crawler/internal/crawler"
	collyfetcher "github.com/pagesmith/crawler/internal/fetcher/colly"
	"github.com/pagesmith/crawler/internal/hash/sha256"
	"github.com/pagesmith/crawler/internal/id/uuid"
	"github.com/pagesmith/crawler/internal/logging"
	"github.com/pagesmith/crawler/internal/orchestrator"
	"github.com/pagesmith/crawler/internal/progress"
	"github.com/pagesmith/crawler/internal/progress/sinks"
	"github.com/pagesmith/crawler/internal/robots"
)

func newCrawlCmd() *cobra.Command {
	var (
		name     string
		maxPages int
		maxDepth int
		delayMs  int
	)
	cmd := &cobra.Command{
		Use:   "crawl <start-url>",
		Short: "Run a one-shot crawl and print a summary",
		Long: `Crawls from the given seed URL using the configured storage backend,
waits for the job to finish, and prints the crawl summary. Ctrl-C cancels
the job cleanly.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, args[0], name, maxPages, maxDepth, delayMs)
		},
	}
	cmd.Flags().StringVar(&name, "name", "one-shot crawl", "job name")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "maximum pages to crawl (0 uses the configured default)")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "maximum link depth (0 uses the configured default)")
	cmd.Flags().IntVar(&delayMs, "delay-ms", 0, "delay between requests in milliseconds (0 uses the configured default)")
	return cmd
}

func runCrawl(cmd *cobra.Command, startURL, name string, maxPages, maxDepth, delayMs int) error {
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
	hub := progress.NewHub(progress.Config{Logger: logger}, sinks.NewLogSink(logger))
	robotsCache := robots.New(cfg.Crawler.UserAgent, cfg.RobotsTTL(), clk, logger)
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})

	orch := orchestrator.New(stores, robotsCache, fetcher, sha256.New(), clk, ids, hub, cfg.Crawler.UserAgent, logger)
	manager := orchestrator.NewManager(orch, clk, ids, logger)

	job, err := manager.CreateJob(ctx, name, crawler.JobConfig{
		StartURL:       startURL,
		MaxPages:       maxPages,
		MaxDepth:       maxDepth,
		RequestDelayMs: delayMs,
	})
	if err != nil {
		return err
	}
	if _, err := manager.StartJob(ctx, job.ID); err != nil {
		return err
	}

	final, err := waitForTerminal(ctx, manager, job.ID)
	if err != nil {
		return err
	}
	printSummary(cmd, final)

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("manager shutdown", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("progress hub close", zap.Error(err))
	}
	return nil
}

// waitForTerminal polls until the job reaches a terminal state. A canceled
// ctx (Ctrl-C) cancels the job and returns its final record.
func waitForTerminal(ctx context.Context, manager *orchestrator.Manager, jobID string) (crawler.Job, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	bg := context.Background()
	for {
		select {
		case <-ctx.Done():
			cancelCtx, cancel := context.WithTimeout(bg, 5*time.Second)
			job, err := manager.CancelJob(cancelCtx, jobID)
			cancel()
			if err != nil {
				// Already terminal; report the stored record.
				return manager.GetJob(bg, jobID)
			}
			return job, nil
		case <-ticker.C:
			job, err := manager.GetJob(bg, jobID)
			if err != nil {
				return crawler.Job{}, err
			}
			if job.Status.IsTerminal() {
				return job, nil
			}
		}
	}
}

func printSummary(cmd *cobra.Command, job crawler.Job) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "crawl %s: %s\n", job.ID, job.Status)
	fmt.Fprintf(out, "  pages: %d crawled (%d ok, %d failed, %d skipped), %d discovered\n",
		job.Counters.PagesCrawled, job.Counters.PagesSuccessful,
		job.Counters.PagesFailed, job.Counters.PagesSkipped,
		job.Counters.PagesDiscovered)
	fmt.Fprintf(out, "  content: %d words, %d links\n",
		job.Counters.TotalWords, job.Counters.TotalLinks)
	if job.StartedAt != nil && job.CompletedAt != nil {
		fmt.Fprintf(out, "  duration: %s\n", job.CompletedAt.Sub(*job.StartedAt).Round(time.Millisecond))
	}
	if job.LastError != "" {
		fmt.Fprintf(out, "  last error: %s\n", job.LastError)
	}
}
