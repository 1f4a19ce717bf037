// Package deploy drives versioned rollouts and rollback per target.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/conveyor/internal/config"
	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/repo"
)

type Observer func(ctx context.Context, d domain.Deployment)

// FailureObserver hears about an explicit rollback that failed without moving
// any deployment. current is the zero Deployment when target had nothing LIVE.
type FailureObserver func(ctx context.Context, target string, current domain.Deployment, err error)

// Targets supplies per-target deploy settings. *config.Catalog satisfies it.
type Targets interface {
	Target(name string) (config.Target, bool)
}

type Options struct {
	Store          repo.DeploymentRepository
	Platform       Platform
	Targets        Targets
	Observer       Observer
	OnFailure      FailureObserver
	Logger         *slog.Logger
	DefaultTimeout time.Duration
	RollbackTime   time.Duration
	Now            func() time.Time
	NewID          func() string
}

type Executor struct {
	store          repo.DeploymentRepository
	platform       Platform
	targets        Targets
	observer       Observer
	onFailure      FailureObserver
	logger         *slog.Logger
	defaultTimeout time.Duration
	rollbackTime   time.Duration
	now            func() time.Time
	newID          func() string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewExecutor(opts Options) (*Executor, error) {
	if opts.Store == nil {
		return nil, errors.New("deployment store is required")
	}
	if opts.Platform == nil {
		return nil, errors.New("platform is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Minute
	}
	if opts.RollbackTime <= 0 {
		opts.RollbackTime = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Executor{
		store:          opts.Store,
		platform:       opts.Platform,
		targets:        opts.Targets,
		observer:       opts.Observer,
		onFailure:      opts.OnFailure,
		logger:         opts.Logger,
		defaultTimeout: opts.DefaultTimeout,
		rollbackTime:   opts.RollbackTime,
		now:            opts.Now,
		newID:          opts.NewID,
		locks:          make(map[string]*sync.Mutex),
	}, nil
}

func (e *Executor) lock(target string) func() {
	e.mu.Lock()
	l, ok := e.locks[target]
	if !ok {
		l = &sync.Mutex{}
		e.locks[target] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Executor) PlatformKind() string {
	return e.platform.Kind()
}

// Deploy rolls artifact out as a new version of build.Target. On failure or
// cancellation the target's current LIVE version is re-activated, the new
// deployment ends ROLLED_BACK and the error wraps domain.ErrRollout.
func (e *Executor) Deploy(ctx context.Context, build domain.BuildRequest, artifact domain.Artifact) (domain.Deployment, error) {
	target := strings.TrimSpace(build.Target)
	if target == "" {
		return domain.Deployment{}, fmt.Errorf("%w: target is required", domain.ErrValidation)
	}
	if strings.TrimSpace(artifact.Ref) == "" {
		return domain.Deployment{}, fmt.Errorf("%w: artifact reference is required", domain.ErrValidation)
	}
	artifact.Target = target

	unlock := e.lock(target)
	defer unlock()

	history, err := e.store.List(ctx, repo.DeploymentFilter{Target: target})
	if err != nil {
		return domain.Deployment{}, fmt.Errorf("load deployment history: %w", err)
	}
	current, hasCurrent := liveOf(history)

	now := e.now()
	d := domain.Deployment{
		ID:        e.newID(),
		VersionID: nextVersion(history),
		Target:    target,
		BuildID:   build.ID,
		Artifact:  artifact,
		State:     domain.RolloutPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if hasCurrent {
		d.PriorVersionID = current.VersionID
	}
	if err := e.store.Insert(ctx, d); err != nil {
		return domain.Deployment{}, fmt.Errorf("record deployment: %w", err)
	}
	if err := e.transition(ctx, &d, domain.RolloutRollingOut); err != nil {
		return d, err
	}

	settings := config.DeploySpec{}
	timeout := e.defaultTimeout
	if e.targets != nil {
		if t, ok := e.targets.Target(target); ok {
			settings = t.Deploy
			timeout = t.DeployTimeout(e.defaultTimeout)
		}
	}
	rolloutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.logger.Info("rollout started",
		"deployment_id", d.ID,
		"target", target,
		"version_id", d.VersionID,
		"prior_version_id", d.PriorVersionID,
		"artifact", artifact.Ref,
		"platform", e.platform.Kind(),
	)
	handle, rolloutErr := e.platform.Deploy(rolloutCtx, Release{
		Target:    target,
		VersionID: d.VersionID,
		Artifact:  artifact,
		Settings:  settings,
	})
	if rolloutErr == nil {
		if v, ok := e.platform.(Verifier); ok {
			rolloutErr = v.Verify(rolloutCtx, handle)
		}
	}
	d.Handle = maps.Clone(handle)

	if rolloutErr == nil {
		// the platform already runs the new version; record it even if the
		// caller has gone away
		persistCtx := context.WithoutCancel(ctx)
		if err := e.transition(persistCtx, &d, domain.RolloutLive); err != nil {
			return d, err
		}
		if hasCurrent {
			current.Superseded = true
			current.UpdatedAt = e.now()
			if err := e.store.Update(persistCtx, current); err != nil {
				e.logger.Error("mark superseded failed", "deployment_id", current.ID, "target", target, "error", err)
			}
		}
		e.logger.Info("rollout live", "deployment_id", d.ID, "target", target, "version_id", d.VersionID)
		return d, nil
	}

	return e.rollbackFailed(ctx, d, current, hasCurrent, rolloutErr)
}

// rollbackFailed runs the automatic rollback path. It uses a context detached
// from the caller so a canceled rollout still restores the prior version.
func (e *Executor) rollbackFailed(ctx context.Context, d domain.Deployment, prior domain.Deployment, hasPrior bool, cause error) (domain.Deployment, error) {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.rollbackTime)
	defer cancel()

	msg := cause.Error()
	if hasPrior {
		if err := e.platform.Rollback(rbCtx, d.Target, Handle(prior.Handle)); err != nil {
			msg += "; rollback to " + prior.VersionID + " failed: " + err.Error()
			e.logger.Error("automatic rollback failed",
				"deployment_id", d.ID,
				"target", d.Target,
				"prior_version_id", prior.VersionID,
				"error", err,
			)
		}
	} else {
		e.logger.Warn("rollout failed with no prior version", "deployment_id", d.ID, "target", d.Target)
	}

	d.Error = msg
	if err := e.transition(rbCtx, &d, domain.RolloutRolledBack); err != nil {
		e.logger.Error("record rollback failed", "deployment_id", d.ID, "error", err)
	}
	e.logger.Warn("rollout rolled back",
		"deployment_id", d.ID,
		"target", d.Target,
		"version_id", d.VersionID,
		"prior_version_id", d.PriorVersionID,
		"error", cause,
	)
	return d, fmt.Errorf("%w: %s %s: %w", domain.ErrRollout, d.Target, d.VersionID, cause)
}

// Rollback re-activates the version that preceded the target's LIVE one.
// Failures are logged and reported through the failure observer before they
// are returned.
func (e *Executor) Rollback(ctx context.Context, target string) (domain.Deployment, error) {
	target = strings.TrimSpace(target)
	unlock := e.lock(target)
	defer unlock()

	prior, current, err := e.rollback(ctx, target)
	if err != nil {
		e.logger.Warn("rollback failed",
			"target", target,
			"version_id", current.VersionID,
			"prior_version_id", current.PriorVersionID,
			"error", err,
		)
		if e.onFailure != nil {
			e.onFailure(ctx, target, current, err)
		}
		return domain.Deployment{}, err
	}
	e.logger.Info("rolled back",
		"target", target,
		"from_version_id", current.VersionID,
		"to_version_id", prior.VersionID,
	)
	return prior, nil
}

func (e *Executor) rollback(ctx context.Context, target string) (domain.Deployment, domain.Deployment, error) {
	history, err := e.store.List(ctx, repo.DeploymentFilter{Target: target})
	if err != nil {
		return domain.Deployment{}, domain.Deployment{}, fmt.Errorf("load deployment history: %w", err)
	}
	current, ok := liveOf(history)
	if !ok {
		return domain.Deployment{}, domain.Deployment{}, fmt.Errorf("%w: %s has no live version", domain.ErrNoPriorVersion, target)
	}
	prior, ok := versionOf(history, current.PriorVersionID)
	if !ok {
		return domain.Deployment{}, current, fmt.Errorf("%w: %s %s", domain.ErrNoPriorVersion, target, current.VersionID)
	}

	if err := e.platform.Rollback(ctx, target, Handle(prior.Handle)); err != nil {
		return domain.Deployment{}, current, fmt.Errorf("%w: rollback %s to %s: %w", domain.ErrRollout, target, prior.VersionID, err)
	}

	persistCtx := context.WithoutCancel(ctx)
	rolledBack := current
	rolledBack.Error = "rolled back to " + prior.VersionID
	if err := e.transition(persistCtx, &rolledBack, domain.RolloutRolledBack); err != nil {
		return domain.Deployment{}, current, err
	}
	prior.Superseded = false
	prior.Error = ""
	if prior.State == domain.RolloutLive {
		prior.UpdatedAt = e.now()
		if err := e.store.Update(persistCtx, prior); err != nil {
			return domain.Deployment{}, current, fmt.Errorf("reactivate %s: %w", prior.VersionID, err)
		}
		e.notify(ctx, prior)
	} else if err := e.transition(persistCtx, &prior, domain.RolloutLive); err != nil {
		return domain.Deployment{}, current, err
	}
	return prior, rolledBack, nil
}

// Current returns the LIVE deployment of target.
func (e *Executor) Current(ctx context.Context, target string) (domain.Deployment, bool, error) {
	history, err := e.store.List(ctx, repo.DeploymentFilter{Target: strings.TrimSpace(target)})
	if err != nil {
		return domain.Deployment{}, false, err
	}
	d, ok := liveOf(history)
	return d, ok, nil
}

// History returns up to limit deployments of target, oldest first.
func (e *Executor) History(ctx context.Context, target string, limit int) ([]domain.Deployment, error) {
	return e.store.List(ctx, repo.DeploymentFilter{Target: strings.TrimSpace(target), Limit: limit})
}

func (e *Executor) transition(ctx context.Context, d *domain.Deployment, next domain.RolloutState) error {
	if !domain.CanTransitionRollout(d.State, next) {
		return fmt.Errorf("%w: deployment %s %s -> %s", domain.ErrInvalidTransition, d.ID, d.State, next)
	}
	d.State = next
	d.UpdatedAt = e.now()
	if err := e.store.Update(ctx, *d); err != nil {
		return fmt.Errorf("persist deployment %s: %w", d.ID, err)
	}
	e.notify(ctx, *d)
	return nil
}

func (e *Executor) notify(ctx context.Context, d domain.Deployment) {
	if e.observer != nil {
		e.observer(ctx, d)
	}
}

func liveOf(history []domain.Deployment) (domain.Deployment, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].State == domain.RolloutLive && !history[i].Superseded {
			return history[i], true
		}
	}
	return domain.Deployment{}, false
}

func versionOf(history []domain.Deployment, versionID string) (domain.Deployment, bool) {
	if versionID == "" {
		return domain.Deployment{}, false
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].VersionID == versionID {
			return history[i], true
		}
	}
	return domain.Deployment{}, false
}

// nextVersion numbers versions v1, v2, ... per target.
func nextVersion(history []domain.Deployment) string {
	if len(history) == 0 {
		return "v1"
	}
	last := history[len(history)-1].VersionID
	n, err := strconv.Atoi(strings.TrimPrefix(last, "v"))
	if err != nil {
		return "v" + strconv.Itoa(len(history)+1)
	}
	return "v" + strconv.Itoa(n+1)
}
