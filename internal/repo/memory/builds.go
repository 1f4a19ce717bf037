// Package memory holds process-local repositories used when no database is
// configured, and by tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/repo"
)

type BuildStore struct {
	mu    sync.RWMutex
	seq   int64
	byID  map[string]buildRow
	dedup map[string]string
}

type buildRow struct {
	seq   int64
	build domain.BuildRequest
}

func NewBuildStore() *BuildStore {
	return &BuildStore{
		byID:  make(map[string]buildRow),
		dedup: make(map[string]string),
	}
}

func (s *BuildStore) Create(ctx context.Context, build domain.BuildRequest) (domain.BuildRequest, bool, error) {
	if err := build.Validate(); err != nil {
		return domain.BuildRequest{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := build.DedupKey()
	if id, ok := s.dedup[key]; ok {
		return s.byID[id].build, false, nil
	}
	if _, taken := s.byID[build.ID]; taken {
		return domain.BuildRequest{}, false, fmt.Errorf("build id %s already exists", build.ID)
	}
	build.Revision = strings.TrimSpace(build.Revision)
	build.Target = strings.TrimSpace(build.Target)
	s.seq++
	s.byID[build.ID] = buildRow{seq: s.seq, build: build}
	s.dedup[key] = build.ID
	return build, true, nil
}

func (s *BuildStore) Get(ctx context.Context, id string) (domain.BuildRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return domain.BuildRequest{}, repo.ErrNotFound
	}
	return row.build, nil
}

func (s *BuildStore) Update(ctx context.Context, build domain.BuildRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.byID[build.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if row.build.Revision != build.Revision || row.build.Target != build.Target {
		return errors.New("revision and target are immutable")
	}
	row.build = build
	s.byID[build.ID] = row
	return nil
}

func (s *BuildStore) List(ctx context.Context, filter repo.BuildFilter) ([]domain.BuildRequest, error) {
	s.mu.RLock()
	rows := make([]buildRow, 0, len(s.byID))
	for _, row := range s.byID {
		if filter.Target != "" && row.build.Target != filter.Target {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, row.build.Status) {
			continue
		}
		rows = append(rows, row)
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if filter.NewestFirst {
			return rows[i].seq > rows[j].seq
		}
		return rows[i].seq < rows[j].seq
	})
	if filter.Limit > 0 && len(rows) > filter.Limit {
		rows = rows[:filter.Limit]
	}
	out := make([]domain.BuildRequest, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.build)
	}
	return out, nil
}
