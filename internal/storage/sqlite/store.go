// Package sqlite provides the persistent store implementations backing jobs,
// queue items, pages, and run history. A single database file keeps the
// crawler deployable as one binary plus one file.
package sqlite

import (
	"database/sql"
	"fmt"

	// Register the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	owner_id TEXT NOT NULL DEFAULT '',
	project_id TEXT NOT NULL DEFAULT '',
	config TEXT NOT NULL,
	status TEXT NOT NULL,
	pages_discovered INTEGER NOT NULL DEFAULT 0,
	pages_crawled INTEGER NOT NULL DEFAULT 0,
	pages_successful INTEGER NOT NULL DEFAULT 0,
	pages_failed INTEGER NOT NULL DEFAULT 0,
	pages_skipped INTEGER NOT NULL DEFAULT 0,
	total_words INTEGER NOT NULL DEFAULT 0,
	total_links INTEGER NOT NULL DEFAULT 0,
	error_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	paused_at DATETIME,
	completed_at DATETIME,
	last_activity_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS queue_items (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	url TEXT NOT NULL,
	normalized_url TEXT NOT NULL,
	depth INTEGER NOT NULL,
	priority INTEGER NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	discovered_from TEXT NOT NULL DEFAULT '',
	next_retry_at DATETIME,
	last_error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_job_url ON queue_items(job_id, normalized_url);
CREATE INDEX IF NOT EXISTS idx_queue_pop ON queue_items(job_id, status, priority);

CREATE TABLE IF NOT EXISTS pages (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	queue_item_id TEXT NOT NULL,
	url TEXT NOT NULL,
	final_url TEXT NOT NULL,
	http_status INTEGER NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	published_at TEXT NOT NULL DEFAULT '',
	markdown TEXT NOT NULL DEFAULT '',
	raw_size INTEGER NOT NULL DEFAULT 0,
	word_count INTEGER NOT NULL DEFAULT 0,
	link_count INTEGER NOT NULL DEFAULT 0,
	image_count INTEGER NOT NULL DEFAULT 0,
	code_block_count INTEGER NOT NULL DEFAULT 0,
	table_count INTEGER NOT NULL DEFAULT 0,
	links TEXT NOT NULL DEFAULT '[]',
	structured_data TEXT NOT NULL DEFAULT '[]',
	content_hash TEXT NOT NULL DEFAULT '',
	crawled_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pages_job ON pages(job_id);
CREATE INDEX IF NOT EXISTS idx_pages_hash ON pages(job_id, content_hash);

CREATE TABLE IF NOT EXISTS run_history (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	run_number INTEGER NOT NULL,
	status TEXT NOT NULL,
	pages_discovered INTEGER NOT NULL DEFAULT 0,
	pages_crawled INTEGER NOT NULL DEFAULT 0,
	pages_successful INTEGER NOT NULL DEFAULT 0,
	pages_failed INTEGER NOT NULL DEFAULT 0,
	pages_skipped INTEGER NOT NULL DEFAULT 0,
	total_words INTEGER NOT NULL DEFAULT 0,
	total_links INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL,
	completed_at DATETIME NOT NULL,
	duration_ms INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_job_number ON run_history(job_id, run_number);
`

// Store wraps the SQLite handle shared by the typed store implementations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The sqlite3 driver serializes writes; a single connection avoids
	// SQLITE_BUSY between the orchestrator loops and the API.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Jobs returns the job store view.
func (s *Store) Jobs() *JobStore { return &JobStore{db: s.db} }

// Queue returns the queue store view.
func (s *Store) Queue() *QueueStore { return &QueueStore{db: s.db} }

// Pages returns the page store view.
func (s *Store) Pages() *PageStore { return &PageStore{db: s.db} }

// Runs returns the run history store view.
func (s *Store) Runs() *RunHistoryStore { return &RunHistoryStore{db: s.db} }
