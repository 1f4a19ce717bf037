package repo

import (
	"context"

	"github.com/animus-labs/conveyor/internal/domain"
)

var ErrNotFound = domain.ErrNotFound

type BuildFilter struct {
	Target      string
	Statuses    []domain.BuildStatus
	NewestFirst bool
	Limit       int
}

type DeploymentFilter struct {
	Target string
	Limit  int
}

// BuildRepository persists BuildRequests. Create is idempotent on
// (revision, target): a second call returns the stored request and false.
type BuildRepository interface {
	Create(ctx context.Context, build domain.BuildRequest) (domain.BuildRequest, bool, error)
	Get(ctx context.Context, id string) (domain.BuildRequest, error)
	Update(ctx context.Context, build domain.BuildRequest) error
	List(ctx context.Context, filter BuildFilter) ([]domain.BuildRequest, error)
}

// DeploymentRepository keeps the linear rollout history of every target.
// List returns oldest first.
type DeploymentRepository interface {
	Insert(ctx context.Context, d domain.Deployment) error
	Update(ctx context.Context, d domain.Deployment) error
	Get(ctx context.Context, id string) (domain.Deployment, error)
	List(ctx context.Context, filter DeploymentFilter) ([]domain.Deployment, error)
}
