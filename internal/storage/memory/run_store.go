package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

// RunStore keeps run records in memory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]crawler.Run
}

var _ crawler.RunStore = (*RunStore)(nil)

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]crawler.Run)}
}

// CreateRun stores a new run. IDs must be unique.
func (s *RunStore) CreateRun(_ context.Context, run crawler.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// UpdateRun applies update to the stored run under the store lock.
func (s *RunStore) UpdateRun(_ context.Context, id string, update func(*crawler.Run)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, crawler.ErrRunNotFound)
	}
	update(&run)
	run.ID = id
	s.runs[id] = cloneRun(run)
	return nil
}

// GetRun returns a copy of the run.
func (s *RunStore) GetRun(_ context.Context, id string) (crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return crawler.Run{}, fmt.Errorf("run %s: %w", id, crawler.ErrRunNotFound)
	}
	return cloneRun(run), nil
}

// ListRuns returns every run, newest first.
func (s *RunStore) ListRuns(context.Context) ([]crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, cloneRun(run))
	}
	slices.SortFunc(out, func(a, b crawler.Run) int {
		if c := b.Created.Compare(a.Created); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func cloneRun(run crawler.Run) crawler.Run {
	run.Seeds = slices.Clone(run.Seeds)
	if run.Started != nil {
		started := *run.Started
		run.Started = &started
	}
	if run.Finished != nil {
		finished := *run.Finished
		run.Finished = &finished
	}
	return run
}
