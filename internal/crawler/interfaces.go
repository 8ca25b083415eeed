package crawler

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by store implementations and the orchestrator.
var (
	// ErrNotFound is returned when a job, item, or page does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned for state machine violations.
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrInvalidConfig is returned when a job configuration fails validation.
	ErrInvalidConfig = errors.New("invalid job config")
	// ErrUnsupportedContent marks a successful fetch whose content type the
	// job does not accept. It is a skip, not a failure.
	ErrUnsupportedContent = errors.New("unsupported content type")
)

// JobStore persists job configuration, counters, and status.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	UpdateJob(ctx context.Context, job Job) error
	DeleteJob(ctx context.Context, jobID string) error
	ListJobs(ctx context.Context) ([]Job, error)
}

// QueueStore is the per-job persistent work queue of discovered URLs.
type QueueStore interface {
	// Enqueue inserts the item unless its normalized URL already exists for
	// the job in any status. It reports whether the item was inserted.
	Enqueue(ctx context.Context, item QueueItem) (bool, error)
	// PopNext atomically claims the highest-priority pending item whose
	// retry time has passed, marking it processing. ok is false when no item
	// is currently due.
	PopNext(ctx context.Context, jobID string, now time.Time) (item QueueItem, ok bool, err error)
	// UpdateItem persists status, attempts, retry timing, and error text.
	UpdateItem(ctx context.Context, item QueueItem) error
	// HasPending reports whether any pending item exists for the job,
	// including items still inside their retry backoff window.
	HasPending(ctx context.Context, jobID string) (bool, error)
	// ResetProcessing flips items stuck in processing back to pending, so a
	// claim orphaned by a crash becomes claimable again.
	ResetProcessing(ctx context.Context, jobID string) error
	Counts(ctx context.Context, jobID string) (QueueCounts, error)
	ClearJob(ctx context.Context, jobID string) error
}

// PageStore persists immutable page records.
type PageStore interface {
	SavePage(ctx context.Context, page Page) error
	ListPages(ctx context.Context, jobID string) ([]Page, error)
	DeletePages(ctx context.Context, jobID string) error
}

// RunHistoryStore records immutable run snapshots. Record assigns the next
// monotonic run number for the job.
type RunHistoryStore interface {
	Record(ctx context.Context, run RunHistory) (RunHistory, error)
	ListRuns(ctx context.Context, jobID string) ([]RunHistory, error)
	DeleteRuns(ctx context.Context, jobID string) error
}

// Fetcher fetches a URL and returns the body plus metadata. Implementations
// are stateless; every call is independent.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Hasher computes digests for change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (swappable for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
