package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pagesmith/crawler/internal/crawler"
)

// RunHistoryStore implements crawler.RunHistoryStore on SQLite.
type RunHistoryStore struct {
	db *sql.DB
}

// Record inserts an immutable run snapshot, assigning the next monotonic run
// number for the job inside a transaction.
func (s *RunHistoryStore) Record(ctx context.Context, run crawler.RunHistory) (crawler.RunHistory, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return crawler.RunHistory{}, fmt.Errorf("begin run tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(run_number), 0) + 1 FROM run_history WHERE job_id = ?`,
		run.JobID,
	).Scan(&run.RunNumber); err != nil {
		return crawler.RunHistory{}, fmt.Errorf("next run number: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_history (
			id, job_id, run_number, status,
			pages_discovered, pages_crawled, pages_successful, pages_failed,
			pages_skipped, total_words, total_links,
			started_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.JobID, run.RunNumber, run.Status,
		run.Counters.PagesDiscovered, run.Counters.PagesCrawled,
		run.Counters.PagesSuccessful, run.Counters.PagesFailed,
		run.Counters.PagesSkipped, run.Counters.TotalWords, run.Counters.TotalLinks,
		run.StartedAt, run.CompletedAt, run.DurationMs,
	); err != nil {
		return crawler.RunHistory{}, fmt.Errorf("insert run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return crawler.RunHistory{}, fmt.Errorf("commit run tx: %w", err)
	}
	return run, nil
}

// ListRuns returns run snapshots oldest first.
func (s *RunHistoryStore) ListRuns(ctx context.Context, jobID string) ([]crawler.RunHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, run_number, status,
			pages_discovered, pages_crawled, pages_successful, pages_failed,
			pages_skipped, total_words, total_links,
			started_at, completed_at, duration_ms
		FROM run_history WHERE job_id = ? ORDER BY run_number`, jobID)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer rows.Close()

	var runs []crawler.RunHistory
	for rows.Next() {
		var run crawler.RunHistory
		err := rows.Scan(
			&run.ID, &run.JobID, &run.RunNumber, &run.Status,
			&run.Counters.PagesDiscovered, &run.Counters.PagesCrawled,
			&run.Counters.PagesSuccessful, &run.Counters.PagesFailed,
			&run.Counters.PagesSkipped, &run.Counters.TotalWords,
			&run.Counters.TotalLinks,
			&run.StartedAt, &run.CompletedAt, &run.DurationMs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// DeleteRuns drops run history for a job.
func (s *RunHistoryStore) DeleteRuns(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_history WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete runs: %w", err)
	}
	return nil
}
