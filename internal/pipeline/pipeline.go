// Package pipeline runs one ACTIVE build end to end: secrets, build,
// deploy. It is the scheduler's runner and the source of the build and
// deployment events the status reporter publishes.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/animus-labs/conveyor/internal/build"
	"github.com/animus-labs/conveyor/internal/config"
	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/secrets"
	"github.com/animus-labs/conveyor/internal/status"
)

type SecretResolver interface {
	Resolve(ctx context.Context, buildID string, target string, refs []domain.SecretRef) (*secrets.Scope, error)
	Redactor() *secrets.Redactor
}

type Deployer interface {
	Deploy(ctx context.Context, b domain.BuildRequest, artifact domain.Artifact) (domain.Deployment, error)
}

type Targets interface {
	Target(name string) (config.Target, bool)
}

type Publisher interface {
	Publish(ctx context.Context, ev status.Event) status.Event
}

type Options struct {
	Targets  Targets
	Secrets  SecretResolver
	Builder  build.Builder
	Deployer Deployer
	Reporter Publisher
	Logs     *build.LogArchive
	Logger   *slog.Logger

	DefaultBuildTimeout time.Duration
	LogLimit            int
	LogCache            int
}

type Pipeline struct {
	targets      Targets
	secrets      SecretResolver
	builder      build.Builder
	deployer     Deployer
	reporter     Publisher
	logs         *build.LogArchive
	logger       *slog.Logger
	buildTimeout time.Duration
	logLimit     int
	logCache     int

	mu       sync.Mutex
	presence map[string]map[string]string
	logKeys  map[string]string
	recent   map[string][]byte
	order    []string
}

func New(opts Options) (*Pipeline, error) {
	if opts.Targets == nil {
		return nil, errors.New("targets are required")
	}
	if opts.Secrets == nil {
		return nil, errors.New("secret resolver is required")
	}
	if opts.Builder == nil {
		return nil, errors.New("builder is required")
	}
	if opts.Deployer == nil {
		return nil, errors.New("deployer is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.DefaultBuildTimeout <= 0 {
		opts.DefaultBuildTimeout = 30 * time.Minute
	}
	if opts.LogCache <= 0 {
		opts.LogCache = 64
	}
	return &Pipeline{
		targets:      opts.Targets,
		secrets:      opts.Secrets,
		builder:      opts.Builder,
		deployer:     opts.Deployer,
		reporter:     opts.Reporter,
		logs:         opts.Logs,
		logger:       opts.Logger,
		buildTimeout: opts.DefaultBuildTimeout,
		logLimit:     opts.LogLimit,
		logCache:     opts.LogCache,
		presence:     make(map[string]map[string]string),
		logKeys:      make(map[string]string),
		recent:       make(map[string][]byte),
	}, nil
}

// Run executes b. It satisfies scheduler.Runner. The returned error never
// contains secret values.
func (p *Pipeline) Run(ctx context.Context, b domain.BuildRequest) error {
	target, ok := p.targets.Target(b.Target)
	if !ok {
		return fmt.Errorf("%w: unknown target %q", domain.ErrValidation, b.Target)
	}

	artifact, err := p.build(ctx, b, target)
	if err != nil {
		return err
	}

	d, err := p.deployer.Deploy(ctx, b, artifact)
	if err != nil {
		return err
	}
	p.logger.Info("build deployed",
		"build_id", b.ID,
		"target", b.Target,
		"revision", b.Revision,
		"deployment_id", d.ID,
		"version_id", d.VersionID,
		"artifact", artifact.Ref,
	)
	return nil
}

// build resolves the target's secrets, runs the builder and releases the
// scope before returning, so nothing downstream can reach the values.
func (p *Pipeline) build(ctx context.Context, b domain.BuildRequest, target config.Target) (domain.Artifact, error) {
	scope, err := p.secrets.Resolve(ctx, b.ID, b.Target, target.Secrets)
	if err != nil {
		p.setPresence(b.ID, missing(target.Secrets))
		return domain.Artifact{}, err
	}
	defer scope.Release()
	p.setPresence(b.ID, status.Presence(scope.Presence()))

	logBuf := build.NewLogBuffer(p.logLimit)
	lw := p.secrets.Redactor().Writer(logBuf)

	buildCtx, cancel := context.WithTimeout(ctx, target.BuildTimeout(p.buildTimeout))
	defer cancel()
	artifact, buildErr := p.builder.Build(buildCtx, build.Job{
		Build:  b,
		Target: target,
		Scope:  scope,
		Log:    lw,
	})
	if err := lw.Close(); err != nil {
		p.logger.Warn("flush build log failed", "build_id", b.ID, "error", err)
	}
	if buildErr != nil {
		if ctx.Err() == nil && errors.Is(buildErr, context.DeadlineExceeded) {
			buildErr = fmt.Errorf("build timed out after %s: %w", target.BuildTimeout(p.buildTimeout), buildErr)
		}
		buildErr = &redactedError{msg: scope.Redact(buildErr.Error()), err: buildErr}
		fmt.Fprintf(logBuf, "build failed: %s\n", buildErr.Error())
	}
	p.storeLog(context.WithoutCancel(ctx), b, logBuf.Bytes())

	if buildErr != nil {
		return domain.Artifact{}, buildErr
	}
	p.logger.Info("build succeeded",
		"build_id", b.ID,
		"target", b.Target,
		"artifact", artifact.Ref,
		"digest", artifact.Digest,
		"secrets", len(target.Secrets),
	)
	return artifact, nil
}

// ObserveBuild is the scheduler observer. Terminal events carry which
// secrets were loaded and where the build log lives.
func (p *Pipeline) ObserveBuild(ctx context.Context, b domain.BuildRequest) {
	if p.reporter == nil {
		return
	}
	ev := status.BuildEvent(b)
	if b.Status.Terminal() {
		p.mu.Lock()
		ev.Secrets = p.presence[b.ID]
		if key := p.logKeys[b.ID]; key != "" {
			ev.Attrs = map[string]string{"log_key": key}
		}
		delete(p.presence, b.ID)
		delete(p.logKeys, b.ID)
		p.mu.Unlock()
	}
	p.reporter.Publish(ctx, ev)
}

// ObserveDeployment is the executor observer.
func (p *Pipeline) ObserveDeployment(ctx context.Context, d domain.Deployment) {
	if p.reporter == nil {
		return
	}
	p.reporter.Publish(ctx, status.DeploymentEvent(d))
}

// ObserveRollbackFailure is the executor's failure hook.
func (p *Pipeline) ObserveRollbackFailure(ctx context.Context, target string, current domain.Deployment, err error) {
	if p.reporter == nil {
		return
	}
	p.reporter.Publish(ctx, status.RollbackFailureEvent(target, current, err))
}

// Log returns the redacted log of b from the recent-log cache or the archive.
func (p *Pipeline) Log(ctx context.Context, b domain.BuildRequest) (io.ReadCloser, error) {
	p.mu.Lock()
	cached, ok := p.recent[b.ID]
	p.mu.Unlock()
	if ok {
		return io.NopCloser(bytes.NewReader(cached)), nil
	}
	if p.logs == nil {
		return nil, fmt.Errorf("%w: log for build %s", domain.ErrNotFound, b.ID)
	}
	rc, _, err := p.logs.Open(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("%w: log for build %s: %v", domain.ErrNotFound, b.ID, err)
	}
	return rc, nil
}

func (p *Pipeline) storeLog(ctx context.Context, b domain.BuildRequest, log []byte) {
	p.mu.Lock()
	if _, ok := p.recent[b.ID]; !ok {
		p.order = append(p.order, b.ID)
	}
	p.recent[b.ID] = log
	for len(p.order) > p.logCache {
		delete(p.recent, p.order[0])
		p.order = p.order[1:]
	}
	p.mu.Unlock()

	if p.logs == nil {
		return
	}
	key, err := p.logs.Upload(ctx, b, log)
	if err != nil {
		p.logger.Warn("archive build log failed", "build_id", b.ID, "target", b.Target, "error", err)
		return
	}
	p.mu.Lock()
	p.logKeys[b.ID] = key
	p.mu.Unlock()
}

func (p *Pipeline) setPresence(buildID string, presence map[string]string) {
	if len(presence) == 0 {
		return
	}
	p.mu.Lock()
	p.presence[buildID] = presence
	p.mu.Unlock()
}

func missing(refs []domain.SecretRef) map[string]string {
	if len(refs) == 0 {
		return nil
	}
	out := make(map[string]string, len(refs))
	for _, ref := range refs {
		out[ref.EnvVar] = "no"
	}
	return out
}

// redactedError keeps the cause chain for errors.Is while its message has
// secret values masked.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }
