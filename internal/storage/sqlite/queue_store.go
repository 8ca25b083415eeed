package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pagesmith/crawler/internal/crawler"
)

// QueueStore implements crawler.QueueStore on SQLite.
type QueueStore struct {
	db *sql.DB
}

// Enqueue inserts the item; the unique (job_id, normalized_url) index makes
// re-discovery of a known URL a no-op.
func (s *QueueStore) Enqueue(ctx context.Context, item crawler.QueueItem) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO queue_items (
			id, job_id, url, normalized_url, depth, priority, status,
			attempts, discovered_from, next_retry_at, last_error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.JobID, item.URL, item.NormalizedURL, item.Depth,
		item.Priority, item.Status, item.Attempts, item.DiscoveredFrom,
		item.NextRetryAt, item.LastError, item.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue rows affected: %w", err)
	}
	return n > 0, nil
}

// PopNext claims the highest-priority due pending item inside a transaction
// and flips it to processing.
func (s *QueueStore) PopNext(ctx context.Context, jobID string, now time.Time) (crawler.QueueItem, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return crawler.QueueItem{}, false, fmt.Errorf("begin pop tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRowContext(ctx, `
		SELECT id, job_id, url, normalized_url, depth, priority, status,
			attempts, discovered_from, next_retry_at, last_error, created_at
		FROM queue_items
		WHERE job_id = ? AND status = ?
			AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`, jobID, crawler.ItemPending, now)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.QueueItem{}, false, nil
	}
	if err != nil {
		return crawler.QueueItem{}, false, fmt.Errorf("select next item: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_items SET status = ? WHERE id = ?`,
		crawler.ItemProcessing, item.ID,
	); err != nil {
		return crawler.QueueItem{}, false, fmt.Errorf("mark item processing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return crawler.QueueItem{}, false, fmt.Errorf("commit pop tx: %w", err)
	}
	item.Status = crawler.ItemProcessing
	return item, true, nil
}

// UpdateItem persists the item's status, attempts, retry timing, and error.
func (s *QueueStore) UpdateItem(ctx context.Context, item crawler.QueueItem) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET
			status = ?, attempts = ?, next_retry_at = ?, last_error = ?, priority = ?
		WHERE id = ?`,
		item.Status, item.Attempts, item.NextRetryAt, item.LastError,
		item.Priority, item.ID,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue item %s: %w", item.ID, crawler.ErrNotFound)
	}
	return nil
}

// HasPending reports whether any pending item exists, due or not.
func (s *QueueStore) HasPending(ctx context.Context, jobID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM queue_items WHERE job_id = ? AND status = ? LIMIT 1`,
		jobID, crawler.ItemPending,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check pending: %w", err)
	}
	return true, nil
}

// ResetProcessing re-queues items orphaned mid-claim, e.g. by a crash.
func (s *QueueStore) ResetProcessing(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = ? WHERE job_id = ? AND status = ?`,
		crawler.ItemPending, jobID, crawler.ItemProcessing,
	); err != nil {
		return fmt.Errorf("reset processing items: %w", err)
	}
	return nil
}

// Counts summarizes queue depth by status.
func (s *QueueStore) Counts(ctx context.Context, jobID string) (crawler.QueueCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM queue_items WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return crawler.QueueCounts{}, fmt.Errorf("count queue items: %w", err)
	}
	defer rows.Close()

	var c crawler.QueueCounts
	for rows.Next() {
		var status crawler.ItemStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return crawler.QueueCounts{}, fmt.Errorf("scan queue count: %w", err)
		}
		switch status {
		case crawler.ItemPending:
			c.Pending = n
		case crawler.ItemProcessing:
			c.Processing = n
		case crawler.ItemCompleted:
			c.Completed = n
		case crawler.ItemFailed:
			c.Failed = n
		case crawler.ItemSkipped:
			c.Skipped = n
		}
	}
	if err := rows.Err(); err != nil {
		return crawler.QueueCounts{}, fmt.Errorf("iterate queue counts: %w", err)
	}
	return c, nil
}

// ClearJob drops all queue items for the job.
func (s *QueueStore) ClearJob(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

func scanQueueItem(row rowScanner) (crawler.QueueItem, error) {
	var (
		item  crawler.QueueItem
		retry sql.NullTime
	)
	err := row.Scan(
		&item.ID, &item.JobID, &item.URL, &item.NormalizedURL, &item.Depth,
		&item.Priority, &item.Status, &item.Attempts, &item.DiscoveredFrom,
		&retry, &item.LastError, &item.CreatedAt,
	)
	if err != nil {
		return crawler.QueueItem{}, err
	}
	item.NextRetryAt = timePtr(retry)
	return item, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	ts := t.Time
	return &ts
}
