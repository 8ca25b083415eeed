// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusIdle      JobStatus = "idle"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// DomainRestriction controls which hosts a job may visit relative to its start URL.
type DomainRestriction string

// Supported domain restriction modes.
const (
	DomainSame       DomainRestriction = "same"
	DomainSubdomains DomainRestriction = "subdomains"
	DomainAny        DomainRestriction = "any"
)

// AuthType selects how fetch requests authenticate.
type AuthType string

// Supported auth modes for outgoing requests.
const (
	AuthNone   AuthType = "none"
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthCookie AuthType = "cookie"
)

// ScheduleFrequency is the recurrence unit for scheduled jobs.
type ScheduleFrequency string

// Supported schedule frequencies.
const (
	FrequencyHourly  ScheduleFrequency = "hourly"
	FrequencyDaily   ScheduleFrequency = "daily"
	FrequencyWeekly  ScheduleFrequency = "weekly"
	FrequencyMonthly ScheduleFrequency = "monthly"
)

// Schedule describes an optional recurring run for a job.
type Schedule struct {
	Enabled    bool              `json:"enabled" mapstructure:"enabled"`
	Frequency  ScheduleFrequency `json:"frequency,omitempty" mapstructure:"frequency"`
	Hour       int               `json:"hour" mapstructure:"hour"`
	DayOfWeek  int               `json:"day_of_week" mapstructure:"day_of_week"`
	DayOfMonth int               `json:"day_of_month" mapstructure:"day_of_month"`
}

// JobConfig captures the operator-supplied crawl constraints. It is immutable
// while a job is queued or running.
type JobConfig struct {
	StartURL          string            `json:"start_url" mapstructure:"start_url"`
	IncludePatterns   []string          `json:"include_patterns,omitempty" mapstructure:"include_patterns"`
	ExcludePatterns   []string          `json:"exclude_patterns,omitempty" mapstructure:"exclude_patterns"`
	DomainRestriction DomainRestriction `json:"domain_restriction" mapstructure:"domain_restriction"`
	ContentTypes      []string          `json:"content_types" mapstructure:"content_types"`
	MaxPages          int               `json:"max_pages" mapstructure:"max_pages"`
	MaxDepth          int               `json:"max_depth" mapstructure:"max_depth"`
	RequestDelayMs    int               `json:"request_delay_ms" mapstructure:"request_delay_ms"`
	MaxConcurrent     int               `json:"max_concurrent" mapstructure:"max_concurrent"`
	AuthType          AuthType          `json:"auth_type" mapstructure:"auth_type"`
	AuthCredentials   string            `json:"auth_credentials,omitempty" mapstructure:"auth_credentials"`
	CustomHeaders     map[string]string `json:"custom_headers,omitempty" mapstructure:"custom_headers"`
	Schedule          Schedule          `json:"schedule" mapstructure:"schedule"`
}

// Config defaults applied when the operator omits a tunable.
const (
	DefaultMaxPages       = 100
	DefaultMaxDepth       = 3
	DefaultRequestDelayMs = 1000
	DefaultMaxConcurrent  = 1
)

// ApplyDefaults fills zero-valued tunables with their documented defaults.
func (c JobConfig) ApplyDefaults() JobConfig {
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.RequestDelayMs <= 0 {
		c.RequestDelayMs = DefaultRequestDelayMs
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.DomainRestriction == "" {
		c.DomainRestriction = DomainSame
	}
	if len(c.ContentTypes) == 0 {
		c.ContentTypes = []string{"text/html"}
	}
	if c.AuthType == "" {
		c.AuthType = AuthNone
	}
	return c
}

// JobCounters tracks live crawl statistics per job.
// Invariant: PagesCrawled == PagesSuccessful + PagesFailed + PagesSkipped.
type JobCounters struct {
	PagesDiscovered int `json:"pages_discovered"`
	PagesCrawled    int `json:"pages_crawled"`
	PagesSuccessful int `json:"pages_successful"`
	PagesFailed     int `json:"pages_failed"`
	PagesSkipped    int `json:"pages_skipped"`
	TotalWords      int `json:"total_words"`
	TotalLinks      int `json:"total_links"`
}

// Job represents a configured, stateful crawl run.
type Job struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	OwnerID        string      `json:"owner_id,omitempty"`
	ProjectID      string      `json:"project_id,omitempty"`
	Config         JobConfig   `json:"config"`
	Status         JobStatus   `json:"status"`
	Counters       JobCounters `json:"counters"`
	ErrorCount     int         `json:"error_count"`
	LastError      string      `json:"last_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	PausedAt       *time.Time  `json:"paused_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	LastActivityAt *time.Time  `json:"last_activity_at,omitempty"`
}

// ItemStatus is the lifecycle state of a queue item.
type ItemStatus string

// Queue item status values.
const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemSkipped    ItemStatus = "skipped"
)

// QueueItem is one discovered URL within a job's work queue. The normalized
// URL is unique within a job regardless of status.
type QueueItem struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	URL            string     `json:"url"`
	NormalizedURL  string     `json:"normalized_url"`
	Depth          int        `json:"depth"`
	Priority       int        `json:"priority"`
	Status         ItemStatus `json:"status"`
	Attempts       int        `json:"attempts"`
	DiscoveredFrom string     `json:"discovered_from,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Page is the immutable record of one successful fetch. Re-crawls insert new
// rows rather than updating in place.
type Page struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	QueueItemID    string     `json:"queue_item_id"`
	URL            string     `json:"url"`
	FinalURL       string     `json:"final_url"`
	HTTPStatus     int        `json:"http_status"`
	ContentType    string     `json:"content_type"`
	Title          string     `json:"title,omitempty"`
	Description    string     `json:"description,omitempty"`
	Author         string     `json:"author,omitempty"`
	PublishedAt    string     `json:"published_at,omitempty"`
	Markdown       string     `json:"markdown"`
	RawSize        int        `json:"raw_size"`
	WordCount      int        `json:"word_count"`
	LinkCount      int        `json:"link_count"`
	ImageCount     int        `json:"image_count"`
	CodeBlockCount int        `json:"code_block_count"`
	TableCount     int        `json:"table_count"`
	Links          []string   `json:"links,omitempty"`
	StructuredData []string   `json:"structured_data,omitempty"`
	ContentHash    string     `json:"content_hash"`
	CrawledAt      time.Time  `json:"crawled_at"`
}

// RunHistory is an immutable snapshot of a finished run's aggregate stats.
type RunHistory struct {
	ID          string      `json:"id"`
	JobID       string      `json:"job_id"`
	RunNumber   int         `json:"run_number"`
	Status      JobStatus   `json:"status"`
	Counters    JobCounters `json:"counters"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
	DurationMs  int64       `json:"duration_ms"`
}

// QueueCounts summarizes queue depth by status for a job.
type QueueCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// JobStatusView is the derived read model returned by the status endpoint.
type JobStatusView struct {
	Status          JobStatus  `json:"status"`
	PagesDiscovered int        `json:"pages_discovered"`
	PagesCrawled    int        `json:"pages_crawled"`
	PagesSuccessful int        `json:"pages_successful"`
	PagesFailed     int        `json:"pages_failed"`
	PagesSkipped    int        `json:"pages_skipped"`
	QueuePending    int        `json:"queue_pending"`
	QueueProcessing int        `json:"queue_processing"`
	TotalWords      int        `json:"total_words"`
	TotalLinks      int        `json:"total_links"`
	Speed           float64    `json:"speed"`
	LastError       string     `json:"last_error,omitempty"`
	ErrorCount      int        `json:"error_count"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastActivityAt  *time.Time `json:"last_activity_at,omitempty"`
}

// FetchRequest captures everything needed to fetch one URL.
type FetchRequest struct {
	URL             string
	UserAgent       string
	AuthType        AuthType
	AuthCredentials string
	CustomHeaders   map[string]string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
}
