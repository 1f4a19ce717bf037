package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/animus-labs/conveyor/internal/domain"
)

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore reads the secrets table. An empty allowed_targets array
// grants every target.
type PostgresStore struct {
	db QueryRower
}

func NewPostgresStore(db QueryRower) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Kind() string { return "postgres" }

func (s *PostgresStore) Get(ctx context.Context, target string, name string) ([]byte, error) {
	var (
		value   []byte
		allowed bool
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT value, (cardinality(allowed_targets) = 0 OR $2 = ANY(allowed_targets))
		 FROM secrets
		 WHERE name = $1`,
		name,
		target,
	).Scan(&value, &allowed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSecretNotFound, name)
		}
		return nil, fmt.Errorf("select secret: %w", err)
	}
	if !allowed {
		wipe(value)
		return nil, fmt.Errorf("%w: %s", domain.ErrAccessDenied, name)
	}
	return value, nil
}
