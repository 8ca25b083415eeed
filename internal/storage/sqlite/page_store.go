package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pagesmith/crawler/internal/crawler"
)

// PageStore implements crawler.PageStore on SQLite. Page rows are insert-only;
// re-crawls add new rows so collaborating systems can diff content over time.
type PageStore struct {
	db *sql.DB
}

// SavePage inserts one immutable page row.
func (s *PageStore) SavePage(ctx context.Context, page crawler.Page) error {
	links, err := json.Marshal(page.Links)
	if err != nil {
		return fmt.Errorf("marshal page links: %w", err)
	}
	structured, err := json.Marshal(page.StructuredData)
	if err != nil {
		return fmt.Errorf("marshal structured data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pages (
			id, job_id, queue_item_id, url, final_url, http_status, content_type,
			title, description, author, published_at, markdown, raw_size,
			word_count, link_count, image_count, code_block_count, table_count,
			links, structured_data, content_hash, crawled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		page.ID, page.JobID, page.QueueItemID, page.URL, page.FinalURL,
		page.HTTPStatus, page.ContentType, page.Title, page.Description,
		page.Author, page.PublishedAt, page.Markdown, page.RawSize,
		page.WordCount, page.LinkCount, page.ImageCount, page.CodeBlockCount,
		page.TableCount, string(links), string(structured), page.ContentHash,
		page.CrawledAt,
	)
	if err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

// ListPages returns all pages for a job in crawl order.
func (s *PageStore) ListPages(ctx context.Context, jobID string) ([]crawler.Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, queue_item_id, url, final_url, http_status, content_type,
			title, description, author, published_at, markdown, raw_size,
			word_count, link_count, image_count, code_block_count, table_count,
			links, structured_data, content_hash, crawled_at
		FROM pages WHERE job_id = ? ORDER BY crawled_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("select pages: %w", err)
	}
	defer rows.Close()

	var pages []crawler.Page
	for rows.Next() {
		var (
			page       crawler.Page
			links      string
			structured string
		)
		err := rows.Scan(
			&page.ID, &page.JobID, &page.QueueItemID, &page.URL, &page.FinalURL,
			&page.HTTPStatus, &page.ContentType, &page.Title, &page.Description,
			&page.Author, &page.PublishedAt, &page.Markdown, &page.RawSize,
			&page.WordCount, &page.LinkCount, &page.ImageCount,
			&page.CodeBlockCount, &page.TableCount, &links, &structured,
			&page.ContentHash, &page.CrawledAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		if err := json.Unmarshal([]byte(links), &page.Links); err != nil {
			return nil, fmt.Errorf("unmarshal page links: %w", err)
		}
		if err := json.Unmarshal([]byte(structured), &page.StructuredData); err != nil {
			return nil, fmt.Errorf("unmarshal structured data: %w", err)
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return pages, nil
}

// DeletePages drops all pages for a job.
func (s *PageStore) DeletePages(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pages WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete pages: %w", err)
	}
	return nil
}
