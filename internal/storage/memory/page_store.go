package memory

import (
	"context"
	"sync"

	"github.com/pagesmith/crawler/internal/crawler"
)

// PageStore is an in-memory crawler.PageStore.
type PageStore struct {
	mu    sync.RWMutex
	pages map[string][]crawler.Page
}

// NewPageStore constructs a PageStore.
func NewPageStore() *PageStore {
	return &PageStore{pages: make(map[string][]crawler.Page)}
}

// SavePage appends an immutable page row.
func (s *PageStore) SavePage(_ context.Context, page crawler.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[page.JobID] = append(s.pages[page.JobID], page)
	return nil
}

// ListPages returns all recorded pages for a job.
func (s *PageStore) ListPages(_ context.Context, jobID string) ([]crawler.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Page, len(s.pages[jobID]))
	copy(out, s.pages[jobID])
	return out, nil
}

// DeletePages drops all pages for a job.
func (s *PageStore) DeletePages(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, jobID)
	return nil
}
