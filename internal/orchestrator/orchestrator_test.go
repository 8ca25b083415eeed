package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagesmith/crawler/internal/crawler"
	"github.com/pagesmith/crawler/internal/hash/sha256"
	"github.com/pagesmith/crawler/internal/id/uuid"
	"github.com/pagesmith/crawler/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeFetcher serves canned HTML bodies and scripted failures keyed by URL.
type fakeFetcher struct {
	mu       sync.Mutex
	pages    map[string]string
	failures map[string]int // fetches to fail before succeeding; -1 fails forever
	calls    map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages:    make(map[string]string),
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL]++
	if n, ok := f.failures[req.URL]; ok && (n < 0 || f.calls[req.URL] <= n) {
		return crawler.FetchResponse{}, errors.New("connection reset")
	}
	body, ok := f.pages[req.URL]
	if !ok {
		return crawler.FetchResponse{}, fmt.Errorf("no route for %s", req.URL)
	}
	return crawler.FetchResponse{
		URL:         req.URL,
		FinalURL:    req.URL,
		StatusCode:  200,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(body),
		Duration:    time.Millisecond,
	}, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func pageWithLinks(title string, hrefs ...string) string {
	body := "<html><head><title>" + title + "</title></head><body><p>content words here</p>"
	for _, h := range hrefs {
		body += fmt.Sprintf(`<a href="%s">link to %s</a>`, h, h)
	}
	return body + "</body></html>"
}

type testEnv struct {
	stores  Stores
	queue   *memory.QueueStore
	fetcher *fakeFetcher
	clock   *fakeClock
	orch    *Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	queue := memory.NewQueueStore()
	stores := Stores{
		Jobs:  memory.NewJobStore(),
		Queue: queue,
		Pages: memory.NewPageStore(),
		Runs:  memory.NewRunHistoryStore(),
	}
	fetcher := newFakeFetcher()
	clk := newFakeClock()
	orch := New(stores, nil, fetcher, sha256.New(), clk, uuid.New(), nil, "testbot/1.0", zap.NewNop())
	return &testEnv{stores: stores, queue: queue, fetcher: fetcher, clock: clk, orch: orch}
}

// seedRunningJob stores a running job with one pending seed item and returns it.
func (e *testEnv) seedRunningJob(t *testing.T, cfg crawler.JobConfig) crawler.Job {
	t.Helper()
	ctx := context.Background()
	cfg = cfg.ApplyDefaults()
	now := e.clock.Now()
	job := crawler.Job{
		ID:        "job-1",
		Name:      "test job",
		Config:    cfg,
		Status:    crawler.JobStatusRunning,
		Counters:  crawler.JobCounters{PagesDiscovered: 1},
		CreatedAt: now,
		StartedAt: &now,
	}
	require.NoError(t, e.stores.Jobs.CreateJob(ctx, job))

	normalized, err := crawler.NormalizeURL(cfg.StartURL)
	require.NoError(t, err)
	_, err = e.stores.Queue.Enqueue(ctx, crawler.QueueItem{
		ID:            "seed",
		JobID:         job.ID,
		URL:           cfg.StartURL,
		NormalizedURL: normalized,
		Depth:         0,
		Priority:      crawler.PriorityMax,
		Status:        crawler.ItemPending,
		CreatedAt:     now,
	})
	require.NoError(t, err)
	return job
}

func (e *testEnv) classifier(t *testing.T, cfg crawler.JobConfig) *crawler.Classifier {
	t.Helper()
	cls, err := crawler.NewClassifier(cfg.ApplyDefaults())
	require.NoError(t, err)
	return cls
}

func (e *testEnv) runTicks(t *testing.T, jobID string, cls *crawler.Classifier, max int) {
	t.Helper()
	for i := 0; i < max; i++ {
		if done := e.orch.tick(context.Background(), jobID, cls, zap.NewNop()); done {
			return
		}
		// Step past any retry backoff so backed-off items become due.
		e.clock.advance(10 * time.Second)
	}
	t.Fatalf("job %s did not terminate within %d ticks", jobID, max)
}

func (e *testEnv) getJob(t *testing.T, jobID string) crawler.Job {
	t.Helper()
	job, err := e.stores.Jobs.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func requireCountersConsistent(t *testing.T, c crawler.JobCounters) {
	t.Helper()
	require.Equal(t, c.PagesCrawled, c.PagesSuccessful+c.PagesFailed+c.PagesSkipped,
		"crawled must equal successful+failed+skipped")
}

func TestTickCrawlsSeedAndDiscoversLinks(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	cfg := crawler.JobConfig{StartURL: "https://ex.com/", MaxDepth: 1, MaxPages: 10, RequestDelayMs: 1}
	job := env.seedRunningJob(t, cfg)

	env.fetcher.pages["https://ex.com/"] = pageWithLinks("Home", "https://ex.com/a", "https://other.com/b")
	env.fetcher.pages["https://ex.com/a"] = pageWithLinks("A")

	env.runTicks(t, job.ID, env.classifier(t, cfg), 10)

	got := env.getJob(t, job.ID)
	require.Equal(t, crawler.JobStatusCompleted, got.Status)
	require.Equal(t, 2, got.Counters.PagesDiscovered, "seed plus one same-domain link")
	require.Equal(t, 2, got.Counters.PagesCrawled)
	require.Equal(t, 2, got.Counters.PagesSuccessful)
	requireCountersConsistent(t, got.Counters)

	pages, err := env.stores.Pages.ListPages(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	for _, p := range pages {
		require.NotContains(t, p.URL, "other.com", "out-of-domain URL must never be fetched")
		require.NotEmpty(t, p.ContentHash)
		require.NotEmpty(t, p.Markdown)
	}
	require.Zero(t, env.fetcher.callCount("https://other.com/b"))
}

func TestTickCountersInvariantAfterEveryTick(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	cfg := crawler.JobConfig{StartURL: "https://ex.com/", MaxDepth: 2, MaxPages: 10, RequestDelayMs: 1}
	job := env.seedRunningJob(t, cfg)

	env.fetcher.pages["https://ex.com/"] = pageWithLinks("Home", "https://ex.com/ok", "https://ex.com/broken", "https://ex.com/img.png")
	env.fetcher.pages["https://ex.com/ok"] = pageWithLinks("OK")
	env.fetcher.failures["https://ex.com/broken"] = -1

	cls := env.classifier(t, cfg)
	for i := 0; i < 20; i++ {
		done := env.orch.tick(context.Background(), job.ID, cls, zap.NewNop())
		requireCountersConsistent(t, env.getJob(t, job.ID).Counters)
		if done {
			break
		}
		env.clock.advance(10 * time.Second)
	}

	got := env.getJob(t, job.ID)
	require.Equal(t, crawler.JobStatusCompleted, got.Status)
	require.Equal(t, 2, got.Counters.PagesSuccessful)
	require.Equal(t, 1, got.Counters.PagesFailed, "persistent fetch failure counts once after retries")
	requireCountersConsistent(t, got.Counters)
}

func TestRetryPolicyBackoffAndTerminalFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	cfg := crawler.JobConfig{StartURL: "https://ex.com/", MaxDepth: 1, MaxPages: 10, RequestDelayMs: 1}
	job := env.seedRunningJob(t, cfg)
	env.fetcher.failures["https://ex.com/"] = -1
	cls := env.classifier(t, cfg)
	ctx := context.Background()

	itemByID := func(id string) crawler.QueueItem {
		for _, it := range env.queue.Items(job.ID) {
			if it.ID == id {
				return it
			}
		}
		t.Fatalf("item %s not found", id)
		return crawler.QueueItem{}
	}

	// First failure: pending again, due in 2s.
	start := env.clock.Now()
	env.orch.tick(ctx, job.ID, cls, zap.NewNop())
	item := itemByID("seed")
	require.Equal(t, crawler.ItemPending, item.Status)
	require.Equal(t, 1, item.Attempts)
	require.Equal(t, start.Add(2*time.Second), *item.NextRetryAt)

	// Within the backoff window the tick is a no-op.
	env.clock.advance(time.Second)
	env.orch.tick(ctx, job.ID, cls, zap.NewNop())
	require.Equal(t, 1, itemByID("seed").Attempts, "item not due yet")
	require.Equal(t, crawler.JobStatusRunning, env.getJob(t, job.ID).Status,
		"job stays running while a backed-off item is pending")

	// Second failure: due in 4s.
	env.clock.advance(2 * time.Second)
	second := env.clock.Now()
	env.orch.tick(ctx, job.ID, cls, zap.NewNop())
	item = itemByID("seed")
	require.Equal(t, crawler.ItemPending, item.Status)
	require.Equal(t, 2, item.Attempts)
	require.Equal(t, second.Add(4*time.Second), *item.NextRetryAt)

	// Third failure exhausts the attempt cap.
	env.clock.advance(5 * time.Second)
	env.orch.tick(ctx, job.ID, cls, zap.NewNop())
	item = itemByID("seed")
	require.Equal(t, crawler.ItemFailed, item.Status)
	require.Equal(t, 3, item.Attempts)
	require.Equal(t, 3, env.fetcher.callCount("https://ex.com/"))

	got := env.getJob(t, job.ID)
	require.Equal(t, 1, got.Counters.PagesFailed)
	require.Equal(t, 1, got.ErrorCount)
	requireCountersConsistent(t, got.Counters)
}

func TestTickSkipsDisallowedContentType(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	cfg := crawler.JobConfig{StartURL: "https://ex.com/feed", MaxDepth: 1, MaxPages: 10, RequestDelayMs: 1}
	job := env.seedRunningJob(t, cfg)

	env.fetcher.pages["https://ex.com/feed"] = "{}"
	// Content-Type comes back JSON; the job only accepts text/html.
	env.orch.fetcher = &contentTypeFetcher{inner: env.fetcher, contentType: "application/json"}
	cls := env.classifier(t, cfg)

	env.runTicks(t, job.ID, cls, 5)

	got := env.getJob(t, job.ID)
	require.Equal(t, crawler.JobStatusCompleted, got.Status)
	require.Equal(t, 1, got.Counters.PagesSkipped)
	require.Zero(t, got.Counters.PagesSuccessful)
	requireCountersConsistent(t, got.Counters)

	items := env.queue.Items(job.ID)
	require.Len(t, items, 1)
	require.Equal(t, crawler.ItemSkipped, items[0].Status)
	require.Contains(t, items[0].LastError, "unsupported content type")
}

// contentTypeFetcher overrides the Content-Type of responses from the inner
// fetcher.
type contentTypeFetcher struct {
	inner       crawler.Fetcher
	contentType string
}

func (f *contentTypeFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	resp, err := f.inner.Fetch(ctx, req)
	if err != nil {
		return resp, err
	}
	resp.ContentType = f.contentType
	return resp, nil
}

func TestTickRespectsPageBudget(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	cfg := crawler.JobConfig{StartURL: "https://ex.com/", MaxDepth: 3, MaxPages: 2, RequestDelayMs: 1}
	job := env.seedRunningJob(t, cfg)

	env.fetcher.pages["https://ex.com/"] = pageWithLinks("Home", "https://ex.com/a", "https://ex.com/b", "https://ex.com/c")
	for _, p := range []string{"a", "b", "c"} {
		env.fetcher.pages["https://ex.com/"+p] = pageWithLinks(p)
	}

	env.runTicks(t, job.ID, env.classifier(t, cfg), 10)

	got := env.getJob(t, job.ID)
	require.Equal(t, crawler.JobStatusCompleted, got.Status)
	require.Equal(t, 2, got.Counters.PagesCrawled)
	require.LessOrEqual(t, got.Counters.PagesDiscovered, 2, "discovery stops at the page budget")
	requireCountersConsistent(t, got.Counters)
}

func TestTickDepthLimitStopsDiscovery(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	cfg := crawler.JobConfig{StartURL: "https://ex.com/", MaxDepth: 1, MaxPages: 10, RequestDelayMs: 1}
	job := env.seedRunningJob(t, cfg)

	env.fetcher.pages["https://ex.com/"] = pageWithLinks("Home", "https://ex.com/d1")
	env.fetcher.pages["https://ex.com/d1"] = pageWithLinks("Depth1", "https://ex.com/d2")
	env.fetcher.pages["https://ex.com/d2"] = pageWithLinks("Depth2")

	env.runTicks(t, job.ID, env.classifier(t, cfg), 10)

	got := env.getJob(t, job.ID)
	require.Equal(t, crawler.JobStatusCompleted, got.Status)
	require.Equal(t, 2, got.Counters.PagesCrawled, "depth-2 link is never enqueued")
	require.Zero(t, env.fetcher.callCount("https://ex.com/d2"))
}

func TestTickDeduplicatesRediscoveredLinks(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	cfg := crawler.JobConfig{StartURL: "https://ex.com/", MaxDepth: 2, MaxPages: 10, RequestDelayMs: 1}
	job := env.seedRunningJob(t, cfg)

	// Both /a and /b link to /shared; it must be enqueued exactly once.
	env.fetcher.pages["https://ex.com/"] = pageWithLinks("Home", "https://ex.com/a", "https://ex.com/b")
	env.fetcher.pages["https://ex.com/a"] = pageWithLinks("A", "https://ex.com/shared")
	env.fetcher.pages["https://ex.com/b"] = pageWithLinks("B", "https://ex.com/shared", "https://ex.com/shared#frag")
	env.fetcher.pages["https://ex.com/shared"] = pageWithLinks("Shared")

	env.runTicks(t, job.ID, env.classifier(t, cfg), 15)

	seen := make(map[string]int)
	for _, item := range env.queue.Items(job.ID) {
		seen[item.NormalizedURL]++
	}
	for norm, n := range seen {
		require.Equal(t, 1, n, "normalized URL %s appears %d times", norm, n)
	}
	require.Equal(t, 1, env.fetcher.callCount("https://ex.com/shared"))
}

func TestTickAbortsSilentlyWhenNotRunning(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	cfg := crawler.JobConfig{StartURL: "https://ex.com/", MaxPages: 10, RequestDelayMs: 1}
	job := env.seedRunningJob(t, cfg)
	env.fetcher.pages["https://ex.com/"] = pageWithLinks("Home")

	job.Status = crawler.JobStatusPaused
	require.NoError(t, env.stores.Jobs.UpdateJob(context.Background(), job))

	done := env.orch.tick(context.Background(), job.ID, env.classifier(t, cfg), zap.NewNop())
	require.True(t, done, "tick on a paused job stops the loop")
	require.Zero(t, env.fetcher.callCount("https://ex.com/"), "no side effects on a paused job")
	require.Equal(t, crawler.JobStatusPaused, env.getJob(t, job.ID).Status)
}

func TestCompletionRecordsRunHistory(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	cfg := crawler.JobConfig{StartURL: "https://ex.com/", MaxPages: 10, RequestDelayMs: 1}
	job := env.seedRunningJob(t, cfg)
	env.fetcher.pages["https://ex.com/"] = pageWithLinks("Home")

	env.runTicks(t, job.ID, env.classifier(t, cfg), 5)

	runs, err := env.stores.Runs.ListRuns(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, 1, runs[0].RunNumber)
	require.Equal(t, crawler.JobStatusCompleted, runs[0].Status)
	require.Equal(t, 1, runs[0].Counters.PagesCrawled)
	require.False(t, runs[0].CompletedAt.IsZero())
}

func TestSaveJobPreservesConcurrentPause(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	cfg := crawler.JobConfig{StartURL: "https://ex.com/", MaxPages: 10, RequestDelayMs: 1}
	job := env.seedRunningJob(t, cfg)
	ctx := context.Background()

	// Operator pauses while the loop holds a stale running snapshot.
	now := env.clock.Now()
	paused := job
	paused.Status = crawler.JobStatusPaused
	paused.PausedAt = &now
	require.NoError(t, env.stores.Jobs.UpdateJob(ctx, paused))

	stale := job
	stale.Counters.PagesCrawled = 1
	stale.Counters.PagesSuccessful = 1
	require.NoError(t, env.orch.saveJob(ctx, &stale))

	got := env.getJob(t, job.ID)
	require.Equal(t, crawler.JobStatusPaused, got.Status, "loop write must not clobber the pause")
	require.NotNil(t, got.PausedAt)
	require.Equal(t, 1, got.Counters.PagesCrawled, "counter progress is kept")
}
