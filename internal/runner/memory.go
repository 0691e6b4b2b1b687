package runner

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/resource"
)

// memStore keeps runners in memory.
type memStore struct {
	runners map[resource.ID]*Runner
	mu      sync.RWMutex
}

func newMemStore() *memStore {
	return &memStore{runners: make(map[resource.ID]*Runner)}
}

func (s *memStore) create(ctx context.Context, runner *Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runners[runner.ID]; ok {
		return internal.ErrResourceAlreadyExists
	}
	s.runners[runner.ID] = runner.Clone()
	return nil
}

func (s *memStore) get(ctx context.Context, id resource.ID) (*Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runner, ok := s.runners[id]
	if !ok {
		return nil, internal.ErrResourceNotFound
	}
	return runner.Clone(), nil
}

func (s *memStore) list(ctx context.Context) ([]*Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runners := make([]*Runner, 0, len(s.runners))
	for _, runner := range s.runners {
		runners = append(runners, runner.Clone())
	}
	slices.SortFunc(runners, func(a, b *Runner) int {
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return runners, nil
}

func (s *memStore) update(ctx context.Context, id resource.ID, fn func(*Runner) error) (*Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runner, ok := s.runners[id]
	if !ok {
		return nil, internal.ErrResourceNotFound
	}
	updated := runner.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	s.runners[id] = updated
	return updated.Clone(), nil
}
