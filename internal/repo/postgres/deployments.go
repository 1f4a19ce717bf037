package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/repo"
)

type DeploymentStore struct {
	db DB
}

const (
	deploymentColumns = `deployment_id, version_id, target, prior_version_id, build_id, artifact_ref, artifact_rev, artifact_digest, handle, state, superseded, error, created_at, updated_at`

	insertDeploymentQuery = `INSERT INTO deployments (` + deploymentColumns + `)
	 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	updateDeploymentQuery = `UPDATE deployments
	 SET handle = $2, state = $3, superseded = $4, error = $5, updated_at = $6
	 WHERE deployment_id = $1`

	selectDeploymentQuery = `SELECT ` + deploymentColumns + `
	 FROM deployments
	 WHERE deployment_id = $1`

	listDeploymentsQuery = `SELECT ` + deploymentColumns + `
	 FROM (
		SELECT * FROM deployments
		WHERE target = $1
		ORDER BY seq DESC
		LIMIT $2
	 ) recent
	 ORDER BY seq ASC`
)

func NewDeploymentStore(db DB) *DeploymentStore {
	if db == nil {
		return nil
	}
	return &DeploymentStore{db: db}
}

func (s *DeploymentStore) Insert(ctx context.Context, d domain.Deployment) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("deployment store not initialized")
	}
	if strings.TrimSpace(d.ID) == "" || strings.TrimSpace(d.Target) == "" {
		return fmt.Errorf("deployment id and target are required")
	}
	handle, err := encodeHandle(d.Handle)
	if err != nil {
		return fmt.Errorf("encode handle: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		insertDeploymentQuery,
		d.ID,
		d.VersionID,
		d.Target,
		nullIfEmpty(d.PriorVersionID),
		nullIfEmpty(d.BuildID),
		d.Artifact.Ref,
		d.Artifact.Revision,
		nullIfEmpty(d.Artifact.Digest),
		handle,
		string(d.State),
		d.Superseded,
		nullIfEmpty(d.Error),
		normalizeTime(d.CreatedAt),
		normalizeTime(d.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("deployment %s already exists", d.ID)
		}
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

func (s *DeploymentStore) Update(ctx context.Context, d domain.Deployment) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("deployment store not initialized")
	}
	handle, err := encodeHandle(d.Handle)
	if err != nil {
		return fmt.Errorf("encode handle: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		updateDeploymentQuery,
		d.ID,
		handle,
		string(d.State),
		d.Superseded,
		nullIfEmpty(d.Error),
		normalizeTime(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	return requireRows(res)
}

func (s *DeploymentStore) Get(ctx context.Context, id string) (domain.Deployment, error) {
	if s == nil || s.db == nil {
		return domain.Deployment{}, fmt.Errorf("deployment store not initialized")
	}
	d, err := scanDeployment(s.db.QueryRowContext(ctx, selectDeploymentQuery, strings.TrimSpace(id)))
	if err != nil {
		return domain.Deployment{}, handleNotFound(err)
	}
	return d, nil
}

func (s *DeploymentStore) List(ctx context.Context, filter repo.DeploymentFilter) ([]domain.Deployment, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("deployment store not initialized")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, listDeploymentsQuery, strings.TrimSpace(filter.Target), limit)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployments: %w", err)
	}
	return out, nil
}

func scanDeployment(row scanner) (domain.Deployment, error) {
	var (
		d                              domain.Deployment
		prior, buildID, digest, errMsg sql.NullString
		handle                         []byte
		state                          string
	)
	if err := row.Scan(
		&d.ID,
		&d.VersionID,
		&d.Target,
		&prior,
		&buildID,
		&d.Artifact.Ref,
		&d.Artifact.Revision,
		&digest,
		&handle,
		&state,
		&d.Superseded,
		&errMsg,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return domain.Deployment{}, err
	}
	h, err := decodeHandle(handle)
	if err != nil {
		return domain.Deployment{}, fmt.Errorf("decode handle: %w", err)
	}
	d.Handle = h
	d.PriorVersionID = prior.String
	d.BuildID = buildID.String
	d.Artifact.Target = d.Target
	d.Artifact.Digest = digest.String
	d.State = domain.RolloutState(state)
	d.Error = errMsg.String
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}
