package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagesmith/crawler/internal/clock/system"
	"github.com/pagesmith/crawler/internal/config"
	"github.com/pagesmith/crawler/internal/crawler"
	collyfetcher "github.com/pagesmith/crawler/internal/fetcher/colly"
	"github.com/pagesmith/crawler/internal/hash/sha256"
	"github.com/pagesmith/crawler/internal/id/uuid"
	"github.com/pagesmith/crawler/internal/orchestrator"
	"github.com/pagesmith/crawler/internal/storage/memory"
)

// newTestAPI wires a Server over in-memory stores and a real fetcher.
func newTestAPI(t *testing.T, cfg config.Config) *httptest.Server {
	t.Helper()
	stores := orchestrator.Stores{
		Jobs:  memory.NewJobStore(),
		Queue: memory.NewQueueStore(),
		Pages: memory.NewPageStore(),
		Runs:  memory.NewRunHistoryStore(),
	}
	fetcher := collyfetcher.New(collyfetcher.Config{UserAgent: "testbot/1.0", Timeout: 5 * time.Second})
	clk := system.New()
	ids := uuid.New()
	orch := orchestrator.New(stores, nil, fetcher, sha256.New(), clk, ids, nil, "testbot/1.0", zap.NewNop())
	manager := orchestrator.NewManager(orch, clk, ids, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	registry := prometheus.NewRegistry()
	srv := httptest.NewServer(NewServer(manager, registry, cfg, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

// newSite serves a two-page crawlable site.
func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Home</title></head><body><a href="/about">about us</a></body></html>`)
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>About</title></head><body><p>about page</p></body></html>`)
	})
	mux.HandleFunc("/robots.txt", http.NotFound)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func createTestJob(t *testing.T, api *httptest.Server, startURL string, delayMs int) crawler.Job {
	t.Helper()
	resp := doJSON(t, http.MethodPost, api.URL+"/v1/jobs/", map[string]any{
		"name": "api test job",
		"config": map[string]any{
			"start_url":        startURL,
			"max_depth":        2,
			"max_pages":        10,
			"request_delay_ms": delayMs,
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var job crawler.Job
	decodeInto(t, resp, &job)
	require.NotEmpty(t, job.ID)
	return job
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, config.Config{})

	resp, err := http.Get(api.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp2, err := http.Get(api.URL + "/readyz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, config.Config{})

	resp, err := http.Get(api.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, config.Config{})

	t.Run("invalid JSON", func(t *testing.T) {
		resp, err := http.Post(api.URL+"/v1/jobs/", "application/json", strings.NewReader("{not json"))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing name", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, api.URL+"/v1/jobs/", map[string]any{
			"config": map[string]any{"start_url": "https://example.com/"},
		})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad start url", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, api.URL+"/v1/jobs/", map[string]any{
			"name":   "bad",
			"config": map[string]any{"start_url": "not a url"},
		})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var body map[string]string
		decodeInto(t, resp, &body)
		require.Contains(t, body["error"], "start url")
	})
}

func TestJobCRUD(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, config.Config{})
	job := createTestJob(t, api, "https://example.com/", 60000)

	resp := doJSON(t, http.MethodGet, api.URL+"/v1/jobs/"+job.ID+"/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got crawler.Job
	decodeInto(t, resp, &got)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, crawler.JobStatusIdle, got.Status)
	require.Equal(t, 10, got.Config.MaxPages)

	resp = doJSON(t, http.MethodGet, api.URL+"/v1/jobs/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Jobs []crawler.Job `json:"jobs"`
	}
	decodeInto(t, resp, &list)
	require.Len(t, list.Jobs, 1)

	resp = doJSON(t, http.MethodPut, api.URL+"/v1/jobs/"+job.ID+"/", map[string]any{
		"config": map[string]any{"start_url": "https://example.com/", "max_pages": 42},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, resp, &got)
	require.Equal(t, 42, got.Config.MaxPages)

	resp = doJSON(t, http.MethodDelete, api.URL+"/v1/jobs/"+job.ID+"/", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, api.URL+"/v1/jobs/"+job.ID+"/", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnknownJobIs404(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, config.Config{})

	for _, path := range []string{"/", "/status", "/pages", "/runs"} {
		resp := doJSON(t, http.MethodGet, api.URL+"/v1/jobs/nope"+path, nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode, "GET %s", path)
	}
	resp := doJSON(t, http.MethodPost, api.URL+"/v1/jobs/nope/start", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLifecycleTransitionConflicts(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, config.Config{})
	site := newSite(t)
	// Long delay keeps the job active while transitions are exercised.
	job := createTestJob(t, api, site.URL+"/", 60000)

	resp := doJSON(t, http.MethodPost, api.URL+"/v1/jobs/"+job.ID+"/pause", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode, "pause before start")

	resp = doJSON(t, http.MethodPost, api.URL+"/v1/jobs/"+job.ID+"/start", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, api.URL+"/v1/jobs/"+job.ID+"/start", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode, "start while active")

	resp = doJSON(t, http.MethodPut, api.URL+"/v1/jobs/"+job.ID+"/", map[string]any{
		"config": map[string]any{"start_url": site.URL + "/"},
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode, "config edit while active")

	resp = doJSON(t, http.MethodPost, api.URL+"/v1/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled crawler.Job
	decodeInto(t, resp, &cancelled)
	require.Equal(t, crawler.JobStatusCancelled, cancelled.Status)

	resp = doJSON(t, http.MethodPost, api.URL+"/v1/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode, "cancel a terminal job")
}

func TestCrawlThroughAPI(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, config.Config{})
	site := newSite(t)
	job := createTestJob(t, api, site.URL+"/", 10)

	resp := doJSON(t, http.MethodPost, api.URL+"/v1/jobs/"+job.ID+"/start", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var view crawler.JobStatusView
	require.Eventually(t, func() bool {
		r := doJSON(t, http.MethodGet, api.URL+"/v1/jobs/"+job.ID+"/status", nil)
		if r.StatusCode != http.StatusOK {
			return false
		}
		decodeInto(t, r, &view)
		return view.Status == crawler.JobStatusCompleted
	}, 10*time.Second, 50*time.Millisecond, "job never completed")

	require.Equal(t, 2, view.PagesCrawled)
	require.Equal(t, 2, view.PagesSuccessful)
	require.Equal(t, 2, view.PagesDiscovered)

	resp = doJSON(t, http.MethodGet, api.URL+"/v1/jobs/"+job.ID+"/pages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pages struct {
		Pages []crawler.Page `json:"pages"`
	}
	decodeInto(t, resp, &pages)
	require.Len(t, pages.Pages, 2)
	require.Equal(t, "Home", pages.Pages[0].Title)
	require.NotEmpty(t, pages.Pages[0].Markdown)
	require.NotEmpty(t, pages.Pages[0].ContentHash)

	resp = doJSON(t, http.MethodGet, api.URL+"/v1/jobs/"+job.ID+"/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs struct {
		Runs []crawler.RunHistory `json:"runs"`
	}
	decodeInto(t, resp, &runs)
	require.Len(t, runs.Runs, 1)
	require.Equal(t, 1, runs.Runs[0].RunNumber)
	require.Equal(t, crawler.JobStatusCompleted, runs.Runs[0].Status)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekrit"
	api := newTestAPI(t, cfg)

	resp, err := http.Get(api.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode, "no key")

	req, err := http.NewRequest(http.MethodGet, api.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "sekrit")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode, "header key")

	resp3, err := http.Get(api.URL + "/healthz?api_key=sekrit")
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusOK, resp3.StatusCode, "query key")

	req4, err := http.NewRequest(http.MethodGet, api.URL+"/healthz", nil)
	require.NoError(t, err)
	req4.Header.Set("X-API-Key", "wrong")
	resp4, err := http.DefaultClient.Do(req4)
	require.NoError(t, err)
	defer resp4.Body.Close()
	require.Equal(t, http.StatusForbidden, resp4.StatusCode, "wrong key")
}
