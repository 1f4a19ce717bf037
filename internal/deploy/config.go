package deploy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/conveyor/internal/platform/env"
	"github.com/animus-labs/conveyor/internal/platform/k8s"
)

type Config struct {
	Platform       string
	DockerBin      string
	DockerNetwork  string
	DefaultTimeout time.Duration
	RollbackTime   time.Duration
	PollInterval   time.Duration
	K8sAPIURL      string
	K8sToken       string
	K8sNamespace   string
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("CONVEYOR_DEPLOY_TIMEOUT", 10*time.Minute)
	if err != nil {
		return Config{}, err
	}
	rollbackTime, err := env.Duration("CONVEYOR_ROLLBACK_TIMEOUT", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	poll, err := env.Duration("CONVEYOR_K8S_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Platform:       strings.ToLower(strings.TrimSpace(env.String("CONVEYOR_PLATFORM", "noop"))),
		DockerBin:      env.String("CONVEYOR_DOCKER_BIN", "docker"),
		DockerNetwork:  env.String("CONVEYOR_DOCKER_NETWORK", ""),
		DefaultTimeout: timeout,
		RollbackTime:   rollbackTime,
		PollInterval:   poll,
		K8sAPIURL:      env.String("CONVEYOR_K8S_API_URL", ""),
		K8sToken:       env.String("CONVEYOR_K8S_TOKEN", ""),
		K8sNamespace:   env.String("CONVEYOR_K8S_NAMESPACE", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Platform {
	case "noop", "docker", "kubernetes":
	default:
		return fmt.Errorf("CONVEYOR_PLATFORM must be one of: noop, docker, kubernetes (got %q)", c.Platform)
	}
	if c.DefaultTimeout <= 0 {
		return errors.New("CONVEYOR_DEPLOY_TIMEOUT must be positive")
	}
	if c.RollbackTime <= 0 {
		return errors.New("CONVEYOR_ROLLBACK_TIMEOUT must be positive")
	}
	if c.Platform == "kubernetes" && strings.TrimSpace(c.K8sAPIURL) != "" {
		if strings.TrimSpace(c.K8sToken) == "" || strings.TrimSpace(c.K8sNamespace) == "" {
			return errors.New("CONVEYOR_K8S_TOKEN and CONVEYOR_K8S_NAMESPACE are required with CONVEYOR_K8S_API_URL")
		}
	}
	return nil
}

// NewPlatform builds the configured platform. Kubernetes uses the in-cluster
// service account unless an explicit API URL is set.
func NewPlatform(cfg Config) (Platform, error) {
	switch cfg.Platform {
	case "noop":
		return NewMemoryPlatform(), nil
	case "docker":
		return NewDockerPlatform(cfg.DockerBin, cfg.DockerNetwork)
	case "kubernetes":
		var (
			client *k8s.Client
			err    error
		)
		if strings.TrimSpace(cfg.K8sAPIURL) != "" {
			client, err = k8s.NewClient(cfg.K8sAPIURL, cfg.K8sToken, cfg.K8sNamespace, nil)
		} else {
			client, err = k8s.NewInClusterClient()
		}
		if err != nil {
			return nil, fmt.Errorf("kubernetes client: %w", err)
		}
		return NewKubernetesPlatform(client, cfg.PollInterval)
	default:
		return nil, fmt.Errorf("unsupported platform: %q", cfg.Platform)
	}
}
