package secrets

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/animus-labs/conveyor/internal/domain"
	"gopkg.in/yaml.v3"
)

// FileStore reads a YAML document on every Get so rotated values are picked
// up without a restart:
//
//	secrets:
//	  db-password:
//	    value: hunter2
//	    targets: [prod]
type FileStore struct {
	path string
}

type fileDoc struct {
	Secrets map[string]fileEntry `yaml:"secrets"`
}

type fileEntry struct {
	Value   string   `yaml:"value"`
	Targets []string `yaml:"targets,omitempty"`
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("secrets file path is required")
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Kind() string { return "file" }

func (s *FileStore) Get(ctx context.Context, target string, name string) ([]byte, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	defer wipe(raw)

	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode secrets file: %w", err)
	}
	e, ok := doc.Secrets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSecretNotFound, name)
	}
	if len(e.Targets) > 0 && !slices.Contains(e.Targets, target) {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccessDenied, name)
	}
	return []byte(e.Value), nil
}
