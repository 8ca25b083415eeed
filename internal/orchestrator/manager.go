package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pagesmith/crawler/internal/crawler"
)

// Manager owns the job state machine and the lifecycle of crawl loops. All
// operator-facing transitions go through it; the per-job loop goroutines only
// ever move a job from queued to running or into completed/failed.
type Manager struct {
	orch   *Orchestrator
	stores Stores
	clock  crawler.Clock
	ids    crawler.IDGenerator
	logger *zap.Logger

	mu     sync.Mutex
	loops  map[string]*loopHandle
	wg     sync.WaitGroup
	closed bool
}

// loopHandle tracks one running crawl loop. stop requests a graceful exit
// after the current tick; cancel aborts in-flight work immediately.
type loopHandle struct {
	stop     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func (h *loopHandle) requestStop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// NewManager constructs a Manager around the orchestrator and its stores.
func NewManager(orch *Orchestrator, clock crawler.Clock, ids crawler.IDGenerator, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		orch:   orch,
		stores: orch.stores,
		clock:  clock,
		ids:    ids,
		logger: logger,
		loops:  make(map[string]*loopHandle),
	}
}

// CreateJob validates the configuration and persists a new idle job.
func (m *Manager) CreateJob(ctx context.Context, name string, cfg crawler.JobConfig) (crawler.Job, error) {
	cfg = cfg.ApplyDefaults()
	if err := validateConfig(cfg); err != nil {
		return crawler.Job{}, err
	}
	id, err := m.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := crawler.Job{
		ID:        id,
		Name:      name,
		Config:    cfg,
		Status:    crawler.JobStatusIdle,
		CreatedAt: m.clock.Now(),
	}
	if err := m.stores.Jobs.CreateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}
	m.logger.Info("job created", zap.String("job_id", job.ID), zap.String("name", name))
	return job, nil
}

// UpdateJobConfig replaces the configuration of a job that is not active.
func (m *Manager) UpdateJobConfig(ctx context.Context, jobID string, cfg crawler.JobConfig) (crawler.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.stores.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, err
	}
	switch job.Status {
	case crawler.JobStatusQueued, crawler.JobStatusRunning, crawler.JobStatusPaused:
		return crawler.Job{}, fmt.Errorf("%w: cannot edit config while %s", crawler.ErrInvalidTransition, job.Status)
	}
	cfg = cfg.ApplyDefaults()
	if err := validateConfig(cfg); err != nil {
		return crawler.Job{}, err
	}
	job.Config = cfg
	if err := m.stores.Jobs.UpdateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("update job: %w", err)
	}
	return job, nil
}

// StartJob resets a non-active job, seeds its queue with the start URL at
// top priority, and launches the crawl loop. Pages from prior runs are kept;
// the queue and counters reset.
func (m *Manager) StartJob(ctx context.Context, jobID string) (crawler.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return crawler.Job{}, fmt.Errorf("manager is shut down")
	}

	job, err := m.stores.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, err
	}
	switch job.Status {
	case crawler.JobStatusQueued, crawler.JobStatusRunning:
		return crawler.Job{}, fmt.Errorf("%w: job is already %s", crawler.ErrInvalidTransition, job.Status)
	}

	normalized, err := crawler.NormalizeURL(job.Config.StartURL)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("%w: start url: %v", crawler.ErrInvalidConfig, err)
	}
	if err := m.stores.Queue.ClearJob(ctx, jobID); err != nil {
		return crawler.Job{}, fmt.Errorf("clear queue: %w", err)
	}

	now := m.clock.Now()
	itemID, err := m.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate item id: %w", err)
	}
	if _, err := m.stores.Queue.Enqueue(ctx, crawler.QueueItem{
		ID:            itemID,
		JobID:         jobID,
		URL:           job.Config.StartURL,
		NormalizedURL: normalized,
		Depth:         0,
		Priority:      crawler.PriorityMax,
		Status:        crawler.ItemPending,
		CreatedAt:     now,
	}); err != nil {
		return crawler.Job{}, fmt.Errorf("seed queue: %w", err)
	}

	job.Status = crawler.JobStatusQueued
	job.Counters = crawler.JobCounters{PagesDiscovered: 1}
	job.ErrorCount = 0
	job.LastError = ""
	job.StartedAt = &now
	job.PausedAt = nil
	job.CompletedAt = nil
	job.LastActivityAt = &now
	if err := m.stores.Jobs.UpdateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("update job: %w", err)
	}

	m.launchLoop(jobID)
	m.logger.Info("job started", zap.String("job_id", jobID))
	return job, nil
}

// PauseJob halts a queued or running job after its current tick. The
// in-flight fetch is allowed to finish; no new work begins.
func (m *Manager) PauseJob(ctx context.Context, jobID string) (crawler.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.stores.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, err
	}
	if job.Status != crawler.JobStatusQueued && job.Status != crawler.JobStatusRunning {
		return crawler.Job{}, fmt.Errorf("%w: cannot pause a %s job", crawler.ErrInvalidTransition, job.Status)
	}
	now := m.clock.Now()
	job.Status = crawler.JobStatusPaused
	job.PausedAt = &now
	if err := m.stores.Jobs.UpdateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("update job: %w", err)
	}
	if h, ok := m.loops[jobID]; ok {
		h.requestStop()
	}
	m.logger.Info("job paused", zap.String("job_id", jobID))
	return job, nil
}

// ResumeJob moves a paused job back to queued and relaunches the loop. The
// queue and counters are untouched, so the crawl picks up where it stopped.
func (m *Manager) ResumeJob(ctx context.Context, jobID string) (crawler.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return crawler.Job{}, fmt.Errorf("manager is shut down")
	}

	job, err := m.stores.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, err
	}
	if job.Status != crawler.JobStatusPaused {
		return crawler.Job{}, fmt.Errorf("%w: cannot resume a %s job", crawler.ErrInvalidTransition, job.Status)
	}
	now := m.clock.Now()
	job.Status = crawler.JobStatusQueued
	job.PausedAt = nil
	job.LastActivityAt = &now
	if err := m.stores.Jobs.UpdateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("update job: %w", err)
	}

	m.launchLoop(jobID)
	m.logger.Info("job resumed", zap.String("job_id", jobID))
	return job, nil
}

// CancelJob terminally stops a job from any non-terminal state. In-flight
// work is aborted and never retried.
func (m *Manager) CancelJob(ctx context.Context, jobID string) (crawler.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.stores.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, err
	}
	if job.Status.IsTerminal() {
		return crawler.Job{}, fmt.Errorf("%w: job is already %s", crawler.ErrInvalidTransition, job.Status)
	}
	now := m.clock.Now()
	hadRun := job.StartedAt != nil && job.Status != crawler.JobStatusIdle
	job.Status = crawler.JobStatusCancelled
	job.CompletedAt = &now
	job.LastActivityAt = &now
	if err := m.stores.Jobs.UpdateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("update job: %w", err)
	}
	if h, ok := m.loops[jobID]; ok {
		h.requestStop()
		h.cancel()
	}
	if hadRun {
		m.orch.recordRun(ctx, &job, now)
	}
	m.logger.Info("job cancelled", zap.String("job_id", jobID))
	return job, nil
}

// DeleteJob removes the job and everything derived from it: queue items,
// pages, and run history. Active jobs are cancelled first.
func (m *Manager) DeleteJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.stores.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if h, ok := m.loops[jobID]; ok {
		h.requestStop()
		h.cancel()
		m.mu.Unlock()
		<-h.done
		m.mu.Lock()
	}
	if err := m.stores.Queue.ClearJob(ctx, jobID); err != nil {
		return fmt.Errorf("delete queue items: %w", err)
	}
	if err := m.stores.Pages.DeletePages(ctx, jobID); err != nil {
		return fmt.Errorf("delete pages: %w", err)
	}
	if err := m.stores.Runs.DeleteRuns(ctx, jobID); err != nil {
		return fmt.Errorf("delete run history: %w", err)
	}
	if err := m.stores.Jobs.DeleteJob(ctx, jobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	m.logger.Info("job deleted", zap.String("job_id", job.ID))
	return nil
}

// GetJob returns the stored job record.
func (m *Manager) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	return m.stores.Jobs.GetJob(ctx, jobID)
}

// ListJobs returns all jobs.
func (m *Manager) ListJobs(ctx context.Context) ([]crawler.Job, error) {
	return m.stores.Jobs.ListJobs(ctx)
}

// JobStatus assembles the derived status view: counters, queue depth, and
// crawl speed in pages per minute while running.
func (m *Manager) JobStatus(ctx context.Context, jobID string) (crawler.JobStatusView, error) {
	job, err := m.stores.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawler.JobStatusView{}, err
	}
	counts, err := m.stores.Queue.Counts(ctx, jobID)
	if err != nil {
		return crawler.JobStatusView{}, fmt.Errorf("queue counts: %w", err)
	}
	view := crawler.JobStatusView{
		Status:          job.Status,
		PagesDiscovered: job.Counters.PagesDiscovered,
		PagesCrawled:    job.Counters.PagesCrawled,
		PagesSuccessful: job.Counters.PagesSuccessful,
		PagesFailed:     job.Counters.PagesFailed,
		PagesSkipped:    job.Counters.PagesSkipped,
		QueuePending:    counts.Pending,
		QueueProcessing: counts.Processing,
		TotalWords:      job.Counters.TotalWords,
		TotalLinks:      job.Counters.TotalLinks,
		LastError:       job.LastError,
		ErrorCount:      job.ErrorCount,
		StartedAt:       job.StartedAt,
		LastActivityAt:  job.LastActivityAt,
	}
	if job.Status == crawler.JobStatusRunning && job.StartedAt != nil {
		minutes := m.clock.Now().Sub(*job.StartedAt).Minutes()
		if minutes > 0 {
			view.Speed = float64(job.Counters.PagesCrawled) / minutes
		}
	}
	return view, nil
}

// ListPages returns the pages stored for a job.
func (m *Manager) ListPages(ctx context.Context, jobID string) ([]crawler.Page, error) {
	if _, err := m.stores.Jobs.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return m.stores.Pages.ListPages(ctx, jobID)
}

// ListRuns returns the run history for a job.
func (m *Manager) ListRuns(ctx context.Context, jobID string) ([]crawler.RunHistory, error) {
	if _, err := m.stores.Jobs.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return m.stores.Runs.ListRuns(ctx, jobID)
}

// RunScheduler wakes periodically and starts any scheduled job whose next
// run time has arrived. It blocks until ctx is cancelled.
func (m *Manager) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.startDueJobs(ctx)
		}
	}
}

func (m *Manager) startDueJobs(ctx context.Context) {
	jobs, err := m.stores.Jobs.ListJobs(ctx)
	if err != nil {
		m.logger.Error("scheduler list jobs", zap.Error(err))
		return
	}
	now := m.clock.Now()
	for _, job := range jobs {
		if !job.Config.Schedule.Enabled {
			continue
		}
		switch job.Status {
		case crawler.JobStatusQueued, crawler.JobStatusRunning, crawler.JobStatusPaused:
			continue
		}
		anchor := job.CreatedAt
		if job.StartedAt != nil {
			anchor = *job.StartedAt
		}
		if next := job.Config.Schedule.NextRun(anchor); !next.After(now) {
			if _, err := m.StartJob(ctx, job.ID); err != nil {
				m.logger.Error("scheduler start job", zap.String("job_id", job.ID), zap.Error(err))
			} else {
				m.logger.Info("scheduled run started", zap.String("job_id", job.ID))
			}
		}
	}
}

// Shutdown stops all crawl loops and waits for them to exit, bounded by ctx.
// Jobs keep their persisted status and can be resumed on restart via Recover.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, h := range m.loops {
		h.requestStop()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		for _, h := range m.loops {
			h.cancel()
		}
		m.mu.Unlock()
		return fmt.Errorf("manager shutdown wait: %w", ctx.Err())
	}
}

// Recover relaunches loops for jobs persisted as queued or running, so a
// process restart resumes interrupted crawls. Items stuck in processing are
// re-queued first.
func (m *Manager) Recover(ctx context.Context) error {
	jobs, err := m.stores.Jobs.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs for recovery: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range jobs {
		if job.Status != crawler.JobStatusQueued && job.Status != crawler.JobStatusRunning {
			continue
		}
		if err := m.stores.Queue.ResetProcessing(ctx, job.ID); err != nil {
			m.logger.Error("recover queue", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		// Flip back to queued so the loop re-announces the run.
		if job.Status == crawler.JobStatusRunning {
			job.Status = crawler.JobStatusQueued
			if err := m.stores.Jobs.UpdateJob(ctx, job); err != nil {
				m.logger.Error("recover job", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
		}
		m.launchLoop(job.ID)
		m.logger.Info("recovered interrupted job", zap.String("job_id", job.ID))
	}
	return nil
}

// launchLoop starts the crawl goroutine for a job. A previous loop for the
// same job, if still draining its final tick, is waited out first so two
// loops never run concurrently. Caller must hold m.mu.
func (m *Manager) launchLoop(jobID string) {
	prev := m.loops[jobID]
	ctx, cancel := context.WithCancel(context.Background())
	h := &loopHandle{
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	m.loops[jobID] = h
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(h.done)
		defer cancel()
		if prev != nil {
			<-prev.done
		}
		m.orch.RunJob(ctx, jobID, h.stop)
		m.mu.Lock()
		if m.loops[jobID] == h {
			delete(m.loops, jobID)
		}
		m.mu.Unlock()
	}()
}

func validateConfig(cfg crawler.JobConfig) error {
	if _, err := crawler.NormalizeURL(cfg.StartURL); err != nil {
		return fmt.Errorf("%w: start url: %v", crawler.ErrInvalidConfig, err)
	}
	switch cfg.DomainRestriction {
	case crawler.DomainSame, crawler.DomainSubdomains, crawler.DomainAny:
	default:
		return fmt.Errorf("%w: unknown domain restriction %q", crawler.ErrInvalidConfig, cfg.DomainRestriction)
	}
	switch cfg.AuthType {
	case crawler.AuthNone, crawler.AuthBasic, crawler.AuthBearer, crawler.AuthCookie:
	default:
		return fmt.Errorf("%w: unknown auth type %q", crawler.ErrInvalidConfig, cfg.AuthType)
	}
	if cfg.Schedule.Enabled {
		switch cfg.Schedule.Frequency {
		case crawler.FrequencyHourly, crawler.FrequencyDaily, crawler.FrequencyWeekly, crawler.FrequencyMonthly:
		default:
			return fmt.Errorf("%w: unknown schedule frequency %q", crawler.ErrInvalidConfig, cfg.Schedule.Frequency)
		}
	}
	return nil
}
