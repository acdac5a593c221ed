package store

import (
	"context"
	"sort"
	"sync"

	"github.com/WessleyAI/wessley-collision/engine/domain"
)

// Memory is an in-process Store, used by tests and single-node deployments.
type Memory struct {
	mu sync.RWMutex
	m  map[string]domain.RepairEstimate
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{m: make(map[string]domain.RepairEstimate)}
}

func (s *Memory) Create(_ context.Context, e domain.RepairEstimate) (string, error) {
	if err := checkCreate(e); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[e.ID]; ok {
		return "", ErrConflict
	}
	s.m[e.ID] = clone(e)
	return e.ID, nil
}

func (s *Memory) Get(_ context.Context, id string) (domain.RepairEstimate, error) {
	s.mu.RLock()
	e, ok := s.m[id]
	s.mu.RUnlock()
	if !ok {
		return domain.RepairEstimate{}, notFound(id)
	}
	return clone(e), nil
}

func (s *Memory) UpdateStatus(_ context.Context, id string, status domain.EstimateStatus) error {
	if err := checkStatus(status); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[id]
	if !ok {
		return notFound(id)
	}
	e.Status = status
	s.m[id] = e
	return nil
}

func (s *Memory) List(_ context.Context, f Filter) ([]domain.RepairEstimate, error) {
	s.mu.RLock()
	var out []domain.RepairEstimate
	for _, e := range s.m {
		if f.match(e) {
			out = append(out, clone(e))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

// Len returns the number of stored estimates.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
