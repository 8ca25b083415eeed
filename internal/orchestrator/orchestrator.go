// Package orchestrator drives the per-job crawl loop: popping queue items,
// gating them through robots and scope rules, dispatching fetches, and
// updating job counters until the run terminates.
package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/pagesmith/crawler/internal/crawler"
	"github.com/pagesmith/crawler/internal/extract"
	"github.com/pagesmith/crawler/internal/progress"
	"github.com/pagesmith/crawler/internal/robots"
)

// maxFetchAttempts caps retries per queue item.
const maxFetchAttempts = 3

// Stores bundles the persistence interfaces the orchestrator writes to.
type Stores struct {
	Jobs  crawler.JobStore
	Queue crawler.QueueStore
	Pages crawler.PageStore
	Runs  crawler.RunHistoryStore
}

// Orchestrator executes crawl job loops. All job-scoped state is
// single-writer: only the loop for a job mutates its counters and queue.
type Orchestrator struct {
	stores    Stores
	robots    *robots.Cache
	fetcher   crawler.Fetcher
	hasher    crawler.Hasher
	clock     crawler.Clock
	ids       crawler.IDGenerator
	hub       *progress.Hub
	userAgent string
	logger    *zap.Logger
}

// New constructs an Orchestrator.
func New(
	stores Stores,
	robotsCache *robots.Cache,
	fetcher crawler.Fetcher,
	hasher crawler.Hasher,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	hub *progress.Hub,
	userAgent string,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		stores:    stores,
		robots:    robotsCache,
		fetcher:   fetcher,
		hasher:    hasher,
		clock:     clock,
		ids:       ids,
		hub:       hub,
		userAgent: userAgent,
		logger:    logger,
	}
}

// RunJob processes the job's queue one item per tick, sleeping the job's
// request delay between ticks, until the job terminates or stop closes.
// This is the politeness mechanism: at most one fetch per delay per job.
func (o *Orchestrator) RunJob(ctx context.Context, jobID string, stop <-chan struct{}) {
	logger := o.logger.With(zap.String("job_id", jobID))

	job, err := o.stores.Jobs.GetJob(ctx, jobID)
	if err != nil {
		logger.Error("load job for run", zap.Error(err))
		return
	}
	cls, err := crawler.NewClassifier(job.Config)
	if err != nil {
		o.failJob(ctx, &job, fmt.Errorf("compile crawl rules: %w", err))
		return
	}
	delay := time.Duration(job.Config.RequestDelayMs) * time.Millisecond

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		if done := o.tick(ctx, jobID, cls, logger); done {
			return
		}
		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// tick performs one queue-processing step. It returns true when the loop
// should stop (job terminal, paused, cancelled, or unrecoverable error).
// The first action is always a status re-check so pause/cancel races cause
// no side effects.
func (o *Orchestrator) tick(ctx context.Context, jobID string, cls *crawler.Classifier, logger *zap.Logger) bool {
	job, err := o.stores.Jobs.GetJob(ctx, jobID)
	if err != nil {
		logger.Error("reload job", zap.Error(err))
		return true
	}
	if job.Status != crawler.JobStatusQueued && job.Status != crawler.JobStatusRunning {
		return true
	}

	now := o.clock.Now()
	if job.Status == crawler.JobStatusQueued {
		job.Status = crawler.JobStatusRunning
		job.LastActivityAt = &now
		if err := o.saveJob(ctx, &job); err != nil {
			o.failJob(ctx, &job, err)
			return true
		}
		o.emit(progress.Event{JobID: job.ID, TS: now, Stage: progress.StageJobStart})
	}

	if job.Counters.PagesCrawled >= job.Config.MaxPages {
		return o.completeJob(ctx, &job)
	}

	item, ok, err := o.stores.Queue.PopNext(ctx, jobID, now)
	if err != nil {
		o.failJob(ctx, &job, fmt.Errorf("pop queue: %w", err))
		return true
	}
	if !ok {
		pending, err := o.stores.Queue.HasPending(ctx, jobID)
		if err != nil {
			o.failJob(ctx, &job, fmt.Errorf("check pending: %w", err))
			return true
		}
		if pending {
			// Every pending item is inside its retry backoff window;
			// wait out the delay and look again.
			return false
		}
		return o.completeJob(ctx, &job)
	}

	if err := o.processItem(ctx, &job, item, cls); err != nil {
		o.failJob(ctx, &job, err)
		return true
	}
	return false
}

// processItem runs robots + scope gating and the fetch/extract pipeline for
// one claimed queue item. Only storage errors are returned; fetch and
// classification outcomes are absorbed into item and job state.
func (o *Orchestrator) processItem(
	ctx context.Context,
	job *crawler.Job,
	item crawler.QueueItem,
	cls *crawler.Classifier,
) error {
	site, _ := crawler.HostOf(item.URL)
	rules := o.rulesFor(ctx, item.URL, site)

	if decision := cls.Classify(item.URL, item.Depth, rules); !decision.Allowed {
		return o.skipItem(ctx, job, item, site, decision.Reason)
	}

	resp, err := o.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:             item.URL,
		UserAgent:       o.userAgent,
		AuthType:        job.Config.AuthType,
		AuthCredentials: job.Config.AuthCredentials,
		CustomHeaders:   job.Config.CustomHeaders,
	})
	if err != nil {
		return o.failItem(ctx, job, item, site, err)
	}

	if !crawler.MatchesContentType(resp.ContentType, job.Config.ContentTypes) {
		reason := fmt.Sprintf("%v: %s", crawler.ErrUnsupportedContent, resp.ContentType)
		return o.skipItem(ctx, job, item, site, reason)
	}

	content, err := extract.Parse(resp.Body, resp.FinalURL)
	if err != nil {
		return o.failItem(ctx, job, item, site, fmt.Errorf("extract content: %w", err))
	}
	return o.recordPage(ctx, job, item, site, resp, content, cls)
}

func (o *Orchestrator) recordPage(
	ctx context.Context,
	job *crawler.Job,
	item crawler.QueueItem,
	site string,
	resp crawler.FetchResponse,
	content extract.Content,
	cls *crawler.Classifier,
) error {
	now := o.clock.Now()
	hash, err := o.hasher.Hash([]byte(content.Markdown))
	if err != nil {
		return fmt.Errorf("hash content: %w", err)
	}
	pageID, err := o.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate page id: %w", err)
	}

	links := make([]string, len(content.Links))
	for i, l := range content.Links {
		links[i] = l.URL
	}
	page := crawler.Page{
		ID:             pageID,
		JobID:          job.ID,
		QueueItemID:    item.ID,
		URL:            item.URL,
		FinalURL:       resp.FinalURL,
		HTTPStatus:     resp.StatusCode,
		ContentType:    resp.ContentType,
		Title:          content.Title,
		Description:    content.Description,
		Author:         content.Author,
		PublishedAt:    content.PublishedAt,
		Markdown:       content.Markdown,
		RawSize:        len(resp.Body),
		WordCount:      content.WordCount,
		LinkCount:      len(content.Links),
		ImageCount:     content.ImageCount,
		CodeBlockCount: content.CodeBlockCount,
		TableCount:     content.TableCount,
		Links:          links,
		StructuredData: content.StructuredData,
		ContentHash:    hash,
		CrawledAt:      now,
	}
	if err := o.stores.Pages.SavePage(ctx, page); err != nil {
		return fmt.Errorf("save page: %w", err)
	}

	item.Status = crawler.ItemCompleted
	item.LastError = ""
	if err := o.stores.Queue.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("complete item: %w", err)
	}

	job.Counters.PagesCrawled++
	job.Counters.PagesSuccessful++
	job.Counters.TotalWords += content.WordCount
	job.Counters.TotalLinks += len(content.Links)
	if err := o.enqueueLinks(ctx, job, item, content.Links, cls); err != nil {
		return err
	}
	job.LastActivityAt = &now
	if err := o.saveJob(ctx, job); err != nil {
		return err
	}

	o.emit(progress.Event{
		JobID:       job.ID,
		TS:          now,
		Stage:       progress.StagePageFetched,
		Site:        site,
		URL:         item.URL,
		Bytes:       int64(len(resp.Body)),
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         resp.Duration,
	})
	return nil
}

// enqueueLinks normalizes, filters, prioritizes, and enqueues discovered
// links, respecting the depth limit and the page budget.
func (o *Orchestrator) enqueueLinks(
	ctx context.Context,
	job *crawler.Job,
	parent crawler.QueueItem,
	links []extract.Link,
	cls *crawler.Classifier,
) error {
	depth := parent.Depth + 1
	if depth > job.Config.MaxDepth {
		return nil
	}
	now := o.clock.Now()
	for i, link := range links {
		if job.Counters.PagesDiscovered >= job.Config.MaxPages {
			return nil
		}
		normalized, err := crawler.NormalizeURL(link.URL)
		if err != nil {
			continue
		}
		// Robots rules are resolved at pop time; discovery filters on
		// scope only.
		if decision := cls.Classify(link.URL, depth, nil); !decision.Allowed {
			continue
		}
		itemID, err := o.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate item id: %w", err)
		}
		inserted, err := o.stores.Queue.Enqueue(ctx, crawler.QueueItem{
			ID:             itemID,
			JobID:          job.ID,
			URL:            link.URL,
			NormalizedURL:  normalized,
			Depth:          depth,
			Priority:       crawler.LinkPriority(depth, i, link.AnchorText != ""),
			Status:         crawler.ItemPending,
			DiscoveredFrom: parent.URL,
			CreatedAt:      now,
		})
		if err != nil {
			return fmt.Errorf("enqueue link: %w", err)
		}
		if inserted {
			job.Counters.PagesDiscovered++
		}
	}
	return nil
}

// skipItem records a classification rejection or unsupported content type.
// Skips count toward pagesCrawled but are never retried.
func (o *Orchestrator) skipItem(
	ctx context.Context,
	job *crawler.Job,
	item crawler.QueueItem,
	site string,
	reason string,
) error {
	now := o.clock.Now()
	item.Status = crawler.ItemSkipped
	item.LastError = reason
	if err := o.stores.Queue.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("skip item: %w", err)
	}
	job.Counters.PagesCrawled++
	job.Counters.PagesSkipped++
	job.LastActivityAt = &now
	if err := o.saveJob(ctx, job); err != nil {
		return err
	}
	o.emit(progress.Event{
		JobID: job.ID,
		TS:    now,
		Stage: progress.StagePageSkipped,
		Site:  site,
		URL:   item.URL,
		Note:  reason,
	})
	return nil
}

// failItem applies the retry policy: exponential backoff (2s, 4s, 8s) below
// the attempt cap, terminal failure at the cap.
func (o *Orchestrator) failItem(
	ctx context.Context,
	job *crawler.Job,
	item crawler.QueueItem,
	site string,
	fetchErr error,
) error {
	now := o.clock.Now()
	item.Attempts++
	item.LastError = fetchErr.Error()
	retryAt := now.Add(time.Duration(1<<item.Attempts) * time.Second)
	item.NextRetryAt = &retryAt

	if item.Attempts >= maxFetchAttempts {
		item.Status = crawler.ItemFailed
		job.Counters.PagesCrawled++
		job.Counters.PagesFailed++
		job.ErrorCount++
		job.LastError = fetchErr.Error()
	} else {
		item.Status = crawler.ItemPending
	}
	if err := o.stores.Queue.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("fail item: %w", err)
	}
	job.LastActivityAt = &now
	if err := o.saveJob(ctx, job); err != nil {
		return err
	}
	o.emit(progress.Event{
		JobID: job.ID,
		TS:    now,
		Stage: progress.StagePageFailed,
		Site:  site,
		URL:   item.URL,
		Note:  fetchErr.Error(),
	})
	return nil
}

// completeJob transitions the job to completed and records a run snapshot.
func (o *Orchestrator) completeJob(ctx context.Context, job *crawler.Job) bool {
	now := o.clock.Now()
	job.Status = crawler.JobStatusCompleted
	job.CompletedAt = &now
	job.LastActivityAt = &now
	if err := o.saveJob(ctx, job); err != nil {
		o.logger.Error("persist completed job", zap.String("job_id", job.ID), zap.Error(err))
		return true
	}
	o.recordRun(ctx, job, now)
	o.emit(progress.Event{
		JobID: job.ID,
		TS:    now,
		Stage: progress.StageJobDone,
		Dur:   runDuration(job, now),
	})
	return true
}

// failJob marks the job failed after an unrecoverable orchestrator error
// (typically storage). Per-item fetch failures never reach this path.
func (o *Orchestrator) failJob(ctx context.Context, job *crawler.Job, cause error) {
	o.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(cause))
	now := o.clock.Now()
	job.Status = crawler.JobStatusFailed
	job.LastError = cause.Error()
	job.ErrorCount++
	job.CompletedAt = &now
	job.LastActivityAt = &now
	if err := o.saveJob(ctx, job); err != nil {
		o.logger.Error("persist failed job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	o.recordRun(ctx, job, now)
	o.emit(progress.Event{
		JobID: job.ID,
		TS:    now,
		Stage: progress.StageJobError,
		Note:  cause.Error(),
		Dur:   runDuration(job, now),
	})
}

func (o *Orchestrator) recordRun(ctx context.Context, job *crawler.Job, now time.Time) {
	runID, err := o.ids.NewID()
	if err != nil {
		o.logger.Error("generate run id", zap.Error(err))
		return
	}
	started := job.CreatedAt
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	run := crawler.RunHistory{
		ID:          runID,
		JobID:       job.ID,
		Status:      job.Status,
		Counters:    job.Counters,
		StartedAt:   started,
		CompletedAt: now,
		DurationMs:  now.Sub(started).Milliseconds(),
	}
	if _, err := o.stores.Runs.Record(ctx, run); err != nil {
		o.logger.Error("record run history", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// saveJob persists the loop's view of the job while preserving a pause or
// cancel applied concurrently by the operator. Counters are single-writer
// (this loop), so copying them over is always safe.
func (o *Orchestrator) saveJob(ctx context.Context, job *crawler.Job) error {
	current, err := o.stores.Jobs.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("reload job before save: %w", err)
	}
	switch current.Status {
	case crawler.JobStatusPaused, crawler.JobStatusCancelled:
		job.Status = current.Status
		job.PausedAt = current.PausedAt
		job.CompletedAt = current.CompletedAt
	}
	if err := o.stores.Jobs.UpdateJob(ctx, *job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

func (o *Orchestrator) rulesFor(ctx context.Context, rawURL, site string) *robots.Rules {
	if o.robots == nil || site == "" {
		return nil
	}
	scheme := "https"
	if u, err := url.Parse(rawURL); err == nil && u.Scheme != "" {
		scheme = u.Scheme
	}
	return o.robots.Rules(ctx, scheme, site)
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.hub != nil {
		o.hub.Emit(evt)
	}
}

func runDuration(job *crawler.Job, now time.Time) time.Duration {
	if job.StartedAt == nil {
		return 0
	}
	return now.Sub(*job.StartedAt)
}
