package memory

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/repo"
)

type DeploymentStore struct {
	mu       sync.RWMutex
	byID     map[string]domain.Deployment
	byTarget map[string][]string
}

func NewDeploymentStore() *DeploymentStore {
	return &DeploymentStore{
		byID:     make(map[string]domain.Deployment),
		byTarget: make(map[string][]string),
	}
}

func (s *DeploymentStore) Insert(ctx context.Context, d domain.Deployment) error {
	if strings.TrimSpace(d.ID) == "" || strings.TrimSpace(d.Target) == "" {
		return fmt.Errorf("deployment id and target are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byID[d.ID]; taken {
		return fmt.Errorf("deployment %s already exists", d.ID)
	}
	s.byID[d.ID] = clone(d)
	s.byTarget[d.Target] = append(s.byTarget[d.Target], d.ID)
	return nil
}

func (s *DeploymentStore) Update(ctx context.Context, d domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[d.ID]; !ok {
		return repo.ErrNotFound
	}
	s.byID[d.ID] = clone(d)
	return nil
}

func (s *DeploymentStore) Get(ctx context.Context, id string) (domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	if !ok {
		return domain.Deployment{}, repo.ErrNotFound
	}
	return clone(d), nil
}

func (s *DeploymentStore) List(ctx context.Context, filter repo.DeploymentFilter) ([]domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byTarget[filter.Target]
	if filter.Limit > 0 && len(ids) > filter.Limit {
		ids = ids[len(ids)-filter.Limit:]
	}
	out := make([]domain.Deployment, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(s.byID[id]))
	}
	return out, nil
}

func clone(d domain.Deployment) domain.Deployment {
	d.Handle = maps.Clone(d.Handle)
	return d
}
