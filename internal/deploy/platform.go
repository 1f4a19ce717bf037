package deploy

import (
	"context"

	"github.com/animus-labs/conveyor/internal/config"
	"github.com/animus-labs/conveyor/internal/domain"
)

// Handle identifies a running version on a platform. Platforms decide its
// keys; the executor only stores it and hands it back for rollback.
type Handle map[string]string

// Release is one version of one target to roll out.
type Release struct {
	Target    string
	VersionID string
	Artifact  domain.Artifact
	Settings  config.DeploySpec
}

// Platform is the narrow interface to a runtime environment. Deploy returns
// once the release is running or fails; Rollback re-activates the version a
// previous Deploy returned the handle for.
type Platform interface {
	Kind() string
	Deploy(ctx context.Context, rel Release) (Handle, error)
	Rollback(ctx context.Context, target string, to Handle) error
}

// Verifier is implemented by platforms that can health-check a rollout
// after Deploy returns.
type Verifier interface {
	Verify(ctx context.Context, h Handle) error
}
