package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pagesmith/crawler/internal/crawler"
)

// JobStore implements crawler.JobStore on SQLite.
type JobStore struct {
	db *sql.DB
}

// CreateJob inserts a new job row. The config is stored as JSON.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, name, owner_id, project_id, config, status,
			pages_discovered, pages_crawled, pages_successful, pages_failed,
			pages_skipped, total_words, total_links, error_count, last_error,
			created_at, started_at, paused_at, completed_at, last_activity_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.OwnerID, job.ProjectID, string(cfg), job.Status,
		job.Counters.PagesDiscovered, job.Counters.PagesCrawled,
		job.Counters.PagesSuccessful, job.Counters.PagesFailed,
		job.Counters.PagesSkipped, job.Counters.TotalWords, job.Counters.TotalLinks,
		job.ErrorCount, job.LastError,
		job.CreatedAt, job.StartedAt, job.PausedAt, job.CompletedAt, job.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, project_id, config, status,
			pages_discovered, pages_crawled, pages_successful, pages_failed,
			pages_skipped, total_words, total_links, error_count, last_error,
			created_at, started_at, paused_at, completed_at, last_activity_at
		FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// UpdateJob replaces all mutable columns for the job.
func (s *JobStore) UpdateJob(ctx context.Context, job crawler.Job) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			name = ?, owner_id = ?, project_id = ?, config = ?, status = ?,
			pages_discovered = ?, pages_crawled = ?, pages_successful = ?,
			pages_failed = ?, pages_skipped = ?, total_words = ?, total_links = ?,
			error_count = ?, last_error = ?,
			started_at = ?, paused_at = ?, completed_at = ?, last_activity_at = ?
		WHERE id = ?`,
		job.Name, job.OwnerID, job.ProjectID, string(cfg), job.Status,
		job.Counters.PagesDiscovered, job.Counters.PagesCrawled,
		job.Counters.PagesSuccessful, job.Counters.PagesFailed,
		job.Counters.PagesSkipped, job.Counters.TotalWords, job.Counters.TotalLinks,
		job.ErrorCount, job.LastError,
		job.StartedAt, job.PausedAt, job.CompletedAt, job.LastActivityAt,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, crawler.ErrNotFound)
	}
	return nil
}

// DeleteJob removes the job row. Queue items, pages, and run history are
// deleted by their own stores; the service layer drives the cascade.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	return nil
}

// ListJobs returns all jobs ordered by creation time.
func (s *JobStore) ListJobs(ctx context.Context) ([]crawler.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner_id, project_id, config, status,
			pages_discovered, pages_crawled, pages_successful, pages_failed,
			pages_skipped, total_words, total_links, error_count, last_error,
			created_at, started_at, paused_at, completed_at, last_activity_at
		FROM jobs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select jobs: %w", err)
	}
	defer rows.Close()

	var jobs []crawler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (crawler.Job, error) {
	var (
		job       crawler.Job
		cfg       string
		started   sql.NullTime
		paused    sql.NullTime
		completed sql.NullTime
		activity  sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.Name, &job.OwnerID, &job.ProjectID, &cfg, &job.Status,
		&job.Counters.PagesDiscovered, &job.Counters.PagesCrawled,
		&job.Counters.PagesSuccessful, &job.Counters.PagesFailed,
		&job.Counters.PagesSkipped, &job.Counters.TotalWords, &job.Counters.TotalLinks,
		&job.ErrorCount, &job.LastError,
		&job.CreatedAt, &started, &paused, &completed, &activity,
	)
	if err != nil {
		return crawler.Job{}, err
	}
	if err := json.Unmarshal([]byte(cfg), &job.Config); err != nil {
		return crawler.Job{}, fmt.Errorf("unmarshal job config: %w", err)
	}
	job.StartedAt = timePtr(started)
	job.PausedAt = timePtr(paused)
	job.CompletedAt = timePtr(completed)
	job.LastActivityAt = timePtr(activity)
	return job, nil
}
