package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/conveyor/internal/platform/env"
)

type Config struct {
	Enabled        bool
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Region         string
	UseSSL         bool
	BucketBuildLog string
	BucketEvents   string
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("CONVEYOR_MINIO_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	useSSL, err := env.Bool("CONVEYOR_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Enabled:        enabled,
		Endpoint:       env.String("CONVEYOR_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:      env.String("CONVEYOR_MINIO_ACCESS_KEY", "conveyor"),
		SecretKey:      env.String("CONVEYOR_MINIO_SECRET_KEY", "conveyorminio"),
		Region:         env.String("CONVEYOR_MINIO_REGION", "us-east-1"),
		UseSSL:         useSSL,
		BucketBuildLog: env.String("CONVEYOR_MINIO_BUCKET_BUILD_LOGS", "build-logs"),
		BucketEvents:   env.String("CONVEYOR_MINIO_BUCKET_EVENTS", "status-events"),
	}
	if !cfg.Enabled {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketBuildLog) == "" {
		return errors.New("build log bucket is required")
	}
	if strings.TrimSpace(c.BucketEvents) == "" {
		return errors.New("events bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

func (c Config) buckets() []string {
	return []string{c.BucketBuildLog, c.BucketEvents}
}
