package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/repo"
)

type BuildStore struct {
	db DB
}

const (
	buildColumns = `build_id, revision, target, ref, repository, sender, status, error, enqueued_at, started_at, finished_at`

	insertBuildQuery = `INSERT INTO build_requests (
		build_id,
		revision,
		target,
		ref,
		repository,
		sender,
		status,
		error,
		enqueued_at,
		started_at,
		finished_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (revision, target) DO NOTHING
	RETURNING ` + buildColumns

	selectBuildQuery = `SELECT ` + buildColumns + `
	 FROM build_requests
	 WHERE build_id = $1`

	selectBuildByKeyQuery = `SELECT ` + buildColumns + `
	 FROM build_requests
	 WHERE revision = $1 AND target = $2`

	updateBuildQuery = `UPDATE build_requests
	 SET status = $2, error = $3, started_at = $4, finished_at = $5
	 WHERE build_id = $1`
)

func NewBuildStore(db DB) *BuildStore {
	if db == nil {
		return nil
	}
	return &BuildStore{db: db}
}

func (s *BuildStore) Create(ctx context.Context, build domain.BuildRequest) (domain.BuildRequest, bool, error) {
	if s == nil || s.db == nil {
		return domain.BuildRequest{}, false, fmt.Errorf("build store not initialized")
	}
	if err := build.Validate(); err != nil {
		return domain.BuildRequest{}, false, err
	}
	revision := strings.TrimSpace(build.Revision)
	target := strings.TrimSpace(build.Target)

	inserted, err := scanBuild(s.db.QueryRowContext(
		ctx,
		insertBuildQuery,
		build.ID,
		revision,
		target,
		nullIfEmpty(build.Ref),
		nullIfEmpty(build.Repository),
		nullIfEmpty(build.Sender),
		string(build.Status),
		nullIfEmpty(build.Error),
		normalizeTime(build.EnqueuedAt),
		nullTime(build.StartedAt),
		nullTime(build.FinishedAt),
	))
	if err != nil {
		// a concurrent insert with the same build_id surfaces as 23505, not as an empty RETURNING
		if !errors.Is(err, sql.ErrNoRows) && !isUniqueViolation(err) {
			return domain.BuildRequest{}, false, fmt.Errorf("insert build: %w", err)
		}
		existing, err := scanBuild(s.db.QueryRowContext(ctx, selectBuildByKeyQuery, revision, target))
		if err != nil {
			return domain.BuildRequest{}, false, handleNotFound(err)
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *BuildStore) Get(ctx context.Context, id string) (domain.BuildRequest, error) {
	if s == nil || s.db == nil {
		return domain.BuildRequest{}, fmt.Errorf("build store not initialized")
	}
	b, err := scanBuild(s.db.QueryRowContext(ctx, selectBuildQuery, strings.TrimSpace(id)))
	if err != nil {
		return domain.BuildRequest{}, handleNotFound(err)
	}
	return b, nil
}

func (s *BuildStore) Update(ctx context.Context, build domain.BuildRequest) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("build store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		updateBuildQuery,
		build.ID,
		string(build.Status),
		nullIfEmpty(build.Error),
		nullTime(build.StartedAt),
		nullTime(build.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("update build: %w", err)
	}
	return requireRows(res)
}

func (s *BuildStore) List(ctx context.Context, filter repo.BuildFilter) ([]domain.BuildRequest, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("build store not initialized")
	}
	query, args := listBuildsQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	out := make([]domain.BuildRequest, 0)
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate builds: %w", err)
	}
	return out, nil
}

func listBuildsQuery(filter repo.BuildFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if t := strings.TrimSpace(filter.Target); t != "" {
		args = append(args, t)
		where = append(where, "target = $"+strconv.Itoa(len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		args = append(args, statuses)
		where = append(where, "status = ANY($"+strconv.Itoa(len(args))+")")
	}

	var b strings.Builder
	b.WriteString("SELECT " + buildColumns + " FROM build_requests")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if filter.NewestFirst {
		b.WriteString(" ORDER BY seq DESC")
	} else {
		b.WriteString(" ORDER BY seq ASC")
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		b.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}
	return b.String(), args
}

func scanBuild(row scanner) (domain.BuildRequest, error) {
	var (
		b                               domain.BuildRequest
		status                          string
		ref, repository, sender, errMsg sql.NullString
		started, finished               sql.NullTime
	)
	if err := row.Scan(
		&b.ID,
		&b.Revision,
		&b.Target,
		&ref,
		&repository,
		&sender,
		&status,
		&errMsg,
		&b.EnqueuedAt,
		&started,
		&finished,
	); err != nil {
		return domain.BuildRequest{}, err
	}
	b.Ref = ref.String
	b.Repository = repository.String
	b.Sender = sender.String
	b.Status = domain.BuildStatus(status)
	b.Error = errMsg.String
	b.EnqueuedAt = b.EnqueuedAt.UTC()
	b.StartedAt = timePtr(started)
	b.FinishedAt = timePtr(finished)
	return b, nil
}
