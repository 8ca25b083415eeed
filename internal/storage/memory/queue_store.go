package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pagesmith/crawler/internal/crawler"
)

// QueueStore is an in-memory crawler.QueueStore.
type QueueStore struct {
	mu    sync.Mutex
	items map[string][]crawler.QueueItem // jobID -> items
	seen  map[string]map[string]struct{} // jobID -> normalized URL set
}

// NewQueueStore constructs a QueueStore.
func NewQueueStore() *QueueStore {
	return &QueueStore{
		items: make(map[string][]crawler.QueueItem),
		seen:  make(map[string]map[string]struct{}),
	}
}

// Enqueue inserts the item unless its normalized URL is already present for
// the job in any status.
func (s *QueueStore) Enqueue(_ context.Context, item crawler.QueueItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	urls := s.seen[item.JobID]
	if urls == nil {
		urls = make(map[string]struct{})
		s.seen[item.JobID] = urls
	}
	if _, dup := urls[item.NormalizedURL]; dup {
		return false, nil
	}
	urls[item.NormalizedURL] = struct{}{}
	s.items[item.JobID] = append(s.items[item.JobID], item)
	return true, nil
}

// PopNext claims the highest-priority due pending item, marking it processing.
func (s *QueueStore) PopNext(_ context.Context, jobID string, now time.Time) (crawler.QueueItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := -1
	for i, item := range s.items[jobID] {
		if item.Status != crawler.ItemPending {
			continue
		}
		if item.NextRetryAt != nil && item.NextRetryAt.After(now) {
			continue
		}
		if best < 0 || item.Priority > s.items[jobID][best].Priority {
			best = i
		}
	}
	if best < 0 {
		return crawler.QueueItem{}, false, nil
	}
	s.items[jobID][best].Status = crawler.ItemProcessing
	return s.items[jobID][best], true, nil
}

// UpdateItem persists item state by ID.
func (s *QueueStore) UpdateItem(_ context.Context, item crawler.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.items[item.JobID] {
		if existing.ID == item.ID {
			s.items[item.JobID][i] = item
			return nil
		}
	}
	return fmt.Errorf("queue item %s: %w", item.ID, crawler.ErrNotFound)
}

// HasPending reports whether any pending item exists, due or not.
func (s *QueueStore) HasPending(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items[jobID] {
		if item.Status == crawler.ItemPending {
			return true, nil
		}
	}
	return false, nil
}

// ResetProcessing re-queues items orphaned mid-claim, e.g. by a crash.
func (s *QueueStore) ResetProcessing(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, item := range s.items[jobID] {
		if item.Status == crawler.ItemProcessing {
			s.items[jobID][i].Status = crawler.ItemPending
		}
	}
	return nil
}

// Counts summarizes queue depth by status.
func (s *QueueStore) Counts(_ context.Context, jobID string) (crawler.QueueCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c crawler.QueueCounts
	for _, item := range s.items[jobID] {
		switch item.Status {
		case crawler.ItemPending:
			c.Pending++
		case crawler.ItemProcessing:
			c.Processing++
		case crawler.ItemCompleted:
			c.Completed++
		case crawler.ItemFailed:
			c.Failed++
		case crawler.ItemSkipped:
			c.Skipped++
		}
	}
	return c, nil
}

// ClearJob drops all queue state for the job.
func (s *QueueStore) ClearJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, jobID)
	delete(s.seen, jobID)
	return nil
}

// Items returns a copy of the job's queue, for tests.
func (s *QueueStore) Items(jobID string) []crawler.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.QueueItem, len(s.items[jobID]))
	copy(out, s.items[jobID])
	return out
}
