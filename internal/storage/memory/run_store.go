package memory

import (
	"context"
	"sync"

	"github.com/pagesmith/crawler/internal/crawler"
)

// RunHistoryStore is an in-memory crawler.RunHistoryStore.
type RunHistoryStore struct {
	mu   sync.RWMutex
	runs map[string][]crawler.RunHistory
}

// NewRunHistoryStore constructs a RunHistoryStore.
func NewRunHistoryStore() *RunHistoryStore {
	return &RunHistoryStore{runs: make(map[string][]crawler.RunHistory)}
}

// Record appends a run snapshot, assigning the next run number for the job.
func (s *RunHistoryStore) Record(_ context.Context, run crawler.RunHistory) (crawler.RunHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.RunNumber = len(s.runs[run.JobID]) + 1
	s.runs[run.JobID] = append(s.runs[run.JobID], run)
	return run, nil
}

// ListRuns returns all run snapshots for a job, oldest first.
func (s *RunHistoryStore) ListRuns(_ context.Context, jobID string) ([]crawler.RunHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.RunHistory, len(s.runs[jobID]))
	copy(out, s.runs[jobID])
	return out, nil
}

// DeleteRuns drops run history for a job.
func (s *RunHistoryStore) DeleteRuns(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, jobID)
	return nil
}
