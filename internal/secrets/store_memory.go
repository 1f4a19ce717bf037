package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/animus-labs/conveyor/internal/domain"
)

// MemoryStore is used by tests and single-process demos.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	denied map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
		denied: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Kind() string { return "memory" }

func (s *MemoryStore) Put(name string, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = []byte(value)
}

// Deny makes Get fail with ErrAccessDenied for name when read by target.
func (s *MemoryStore) Deny(target string, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied[target] == nil {
		s.denied[target] = make(map[string]struct{})
	}
	s.denied[target][name] = struct{}{}
}

func (s *MemoryStore) Get(ctx context.Context, target string, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, denied := s.denied[target][name]; denied {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccessDenied, name)
	}
	v, ok := s.values[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSecretNotFound, name)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// EnvStore reads secrets from the deployer's own environment, where the name
// db-password maps to CONVEYOR_SECRET_DB_PASSWORD.
type EnvStore struct {
	Prefix string
}

func (s EnvStore) Kind() string { return "env" }

func (s EnvStore) Get(ctx context.Context, target string, name string) ([]byte, error) {
	key := s.key(name)
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSecretNotFound, name)
	}
	return []byte(v), nil
}

func (s EnvStore) key(name string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "CONVEYOR_SECRET_"
	}
	upper := strings.ToUpper(strings.TrimSpace(name))
	upper = strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(upper)
	return prefix + upper
}
