package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/conveyor/internal/platform/env"
)

type Config struct {
	Backend string
	File    string
	HTTP    HTTPStoreConfig
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("CONVEYOR_SECRETS_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Backend: strings.ToLower(strings.TrimSpace(env.String("CONVEYOR_SECRETS_BACKEND", "env"))),
		File:    env.String("CONVEYOR_SECRETS_FILE", ""),
		HTTP: HTTPStoreConfig{
			BaseURL:      env.String("CONVEYOR_SECRETS_URL", ""),
			TokenURL:     env.String("CONVEYOR_SECRETS_TOKEN_URL", ""),
			ClientID:     env.String("CONVEYOR_SECRETS_CLIENT_ID", ""),
			ClientSecret: env.String("CONVEYOR_SECRETS_CLIENT_SECRET", ""),
			Scopes:       strings.Fields(env.String("CONVEYOR_SECRETS_SCOPES", "")),
			Timeout:      timeout,
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case "env":
	case "file":
		if strings.TrimSpace(c.File) == "" {
			return errors.New("CONVEYOR_SECRETS_FILE is required for the file backend")
		}
	case "postgres":
	case "http":
		return c.HTTP.Validate()
	default:
		return fmt.Errorf("CONVEYOR_SECRETS_BACKEND must be one of: env, file, postgres, http (got %q)", c.Backend)
	}
	return nil
}

// NewStore builds the configured backend. db may be nil unless the backend
// is postgres.
func NewStore(ctx context.Context, cfg Config, db *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "env":
		return EnvStore{}, nil
	case "file":
		return NewFileStore(cfg.File)
	case "postgres":
		if db == nil {
			return nil, errors.New("postgres secrets backend requires DATABASE_URL")
		}
		return NewPostgresStore(db)
	case "http":
		return NewHTTPStore(ctx, cfg.HTTP)
	default:
		return nil, fmt.Errorf("unsupported secrets backend: %q", cfg.Backend)
	}
}
