// Package scheduler serializes builds per target: at most one ACTIVE build
// per target, the rest QUEUED in arrival order.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/repo"
)

// Runner executes one ACTIVE build. A nil error means SUCCEEDED. Run must
// return once ctx is canceled.
type Runner interface {
	Run(ctx context.Context, build domain.BuildRequest) error
}

type RunnerFunc func(ctx context.Context, build domain.BuildRequest) error

func (f RunnerFunc) Run(ctx context.Context, build domain.BuildRequest) error { return f(ctx, build) }

// Observer is told about every transition, in order, while the target's lane
// is held. It must not block and must not call back into the Scheduler.
type Observer func(ctx context.Context, build domain.BuildRequest)

type TargetStatus struct {
	Target       string                `json:"target"`
	Active       *domain.BuildRequest  `json:"active,omitempty"`
	Queued       []domain.BuildRequest `json:"queued"`
	LastTerminal *domain.BuildRequest  `json:"last_terminal,omitempty"`
}

type Options struct {
	Store    repo.BuildRepository
	Runner   Runner
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

type Scheduler struct {
	store    repo.BuildRepository
	runner   Runner
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	lanes   map[string]*lane
	closing bool
}

// lane is the keyed state of one target. Its mutex serializes enqueue,
// promotion, completion and cancel for that target only.
type lane struct {
	mu       sync.Mutex
	target   string
	active   *run
	queue    []domain.BuildRequest
	last     *domain.BuildRequest
	draining bool
}

type run struct {
	build     domain.BuildRequest
	cancel    context.CancelFunc
	requested bool
}

func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, errors.New("build store is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      opts.Store,
		runner:     opts.Runner,
		observer:   opts.Observer,
		logger:     opts.Logger,
		now:        opts.Now,
		newID:      opts.NewID,
		baseCtx:    ctx,
		cancelBase: cancel,
		lanes:      make(map[string]*lane),
	}, nil
}

func (s *Scheduler) lane(target string) (*lane, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, errors.New("scheduler is shutting down")
	}
	l, ok := s.lanes[target]
	if !ok {
		l = &lane{target: target}
		s.lanes[target] = l
	}
	return l, nil
}

func (s *Scheduler) existingLane(target string) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lanes[target]
}

// Enqueue records req as QUEUED and promotes it when its target is idle.
// A repeated (revision, target) returns the stored request and false.
func (s *Scheduler) Enqueue(ctx context.Context, req domain.BuildRequest) (domain.BuildRequest, bool, error) {
	req.Revision = strings.TrimSpace(req.Revision)
	req.Target = strings.TrimSpace(req.Target)
	if req.Revision == "" || req.Target == "" {
		return domain.BuildRequest{}, false, fmt.Errorf("%w: revision and target are required", domain.ErrValidation)
	}
	if strings.TrimSpace(req.ID) == "" {
		req.ID = s.newID()
	}
	req.Status = domain.BuildQueued
	req.Error = ""
	req.StartedAt = nil
	req.FinishedAt = nil
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = s.now()
	}

	l, err := s.lane(req.Target)
	if err != nil {
		return domain.BuildRequest{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, created, err := s.store.Create(ctx, req)
	if err != nil {
		return domain.BuildRequest{}, false, fmt.Errorf("persist build: %w", err)
	}
	if !created {
		s.logger.Info("duplicate build request",
			"build_id", stored.ID,
			"target", stored.Target,
			"revision", stored.Revision,
			"status", stored.Status,
		)
		return s.current(l, stored), false, nil
	}

	l.queue = append(l.queue, stored)
	s.notify(ctx, stored)
	s.logger.Info("build queued",
		"build_id", stored.ID,
		"target", stored.Target,
		"revision", stored.Revision,
		"queue_depth", len(l.queue),
	)
	s.promoteLocked(l)
	return s.current(l, stored), true, nil
}

// current returns the lane's view of b, which may be ahead of the stored copy.
func (s *Scheduler) current(l *lane, b domain.BuildRequest) domain.BuildRequest {
	if l.active != nil && l.active.build.ID == b.ID {
		return l.active.build
	}
	for _, q := range l.queue {
		if q.ID == b.ID {
			return q
		}
	}
	if l.last != nil && l.last.ID == b.ID {
		return *l.last
	}
	return b
}

func (s *Scheduler) promoteLocked(l *lane) {
	if l.active != nil || len(l.queue) == 0 || l.draining {
		return
	}
	next := l.queue[0]
	l.queue = l.queue[1:]

	started := s.now()
	next.Status = domain.BuildActive
	next.StartedAt = &started
	if err := s.store.Update(s.baseCtx, next); err != nil {
		s.logger.Error("persist build promotion failed", "build_id", next.ID, "target", l.target, "error", err)
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	r := &run{build: next, cancel: cancel}
	l.active = r
	s.notify(runCtx, next)
	s.logger.Info("build active", "build_id", next.ID, "target", l.target, "revision", next.Revision)

	s.wg.Add(1)
	go s.execute(runCtx, l, r)
}

func (s *Scheduler) execute(ctx context.Context, l *lane, r *run) {
	defer s.wg.Done()
	err := s.invoke(ctx, r.build)
	s.complete(l, r, err)
}

func (s *Scheduler) invoke(ctx context.Context, b domain.BuildRequest) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("runner panic: %v", rec)
		}
	}()
	return s.runner.Run(ctx, b)
}

func (s *Scheduler) complete(l *lane, r *run, runErr error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer r.cancel()

	b := r.build
	finished := s.now()
	b.FinishedAt = &finished
	switch {
	case r.requested:
		b.Status = domain.BuildCanceled
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			b.Error = runErr.Error()
		}
	case runErr == nil:
		b.Status = domain.BuildSucceeded
	default:
		b.Status = domain.BuildFailed
		b.Error = runErr.Error()
		if l.draining && errors.Is(runErr, context.Canceled) {
			b.Error = "interrupted by shutdown"
		}
	}

	if err := s.store.Update(context.Background(), b); err != nil {
		s.logger.Error("persist build completion failed", "build_id", b.ID, "target", l.target, "error", err)
	}
	l.active = nil
	l.last = &b
	s.notify(context.Background(), b)

	attrs := []any{"build_id", b.ID, "target", l.target, "status", b.Status, "duration_ms", finished.Sub(*b.StartedAt).Milliseconds()}
	if b.Status == domain.BuildFailed {
		s.logger.Warn("build finished", append(attrs, "error", b.Error)...)
	} else {
		s.logger.Info("build finished", attrs...)
	}
	s.promoteLocked(l)
}

func (s *Scheduler) notify(ctx context.Context, b domain.BuildRequest) {
	if s.observer != nil {
		s.observer(ctx, b)
	}
}

// Cancel stops a QUEUED or ACTIVE build. A QUEUED build is CANCELED at once;
// an ACTIVE one has its run context canceled and becomes CANCELED when its
// runner returns. Unknown and terminal builds yield domain.ErrNotFound.
func (s *Scheduler) Cancel(ctx context.Context, id string) (domain.BuildRequest, error) {
	stored, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.BuildRequest{}, err
	}
	l := s.existingLane(stored.Target)
	if l == nil {
		return domain.BuildRequest{}, fmt.Errorf("%w: build %s is not pending", domain.ErrNotFound, id)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active != nil && l.active.build.ID == stored.ID {
		if !l.active.requested {
			l.active.requested = true
			l.active.cancel()
			s.logger.Info("build cancel requested", "build_id", stored.ID, "target", l.target)
		}
		return l.active.build, nil
	}
	for i, q := range l.queue {
		if q.ID != stored.ID {
			continue
		}
		l.queue = append(l.queue[:i:i], l.queue[i+1:]...)
		finished := s.now()
		q.Status = domain.BuildCanceled
		q.FinishedAt = &finished
		if err := s.store.Update(ctx, q); err != nil {
			s.logger.Error("persist build cancel failed", "build_id", q.ID, "target", l.target, "error", err)
		}
		l.last = &q
		s.notify(ctx, q)
		s.logger.Info("queued build canceled", "build_id", q.ID, "target", l.target)
		return q, nil
	}
	return domain.BuildRequest{}, fmt.Errorf("%w: build %s is not pending", domain.ErrNotFound, id)
}

func (s *Scheduler) Status(target string) TargetStatus {
	out := TargetStatus{Target: target, Queued: []domain.BuildRequest{}}
	l := s.existingLane(strings.TrimSpace(target))
	if l == nil {
		return out
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != nil {
		b := l.active.build
		out.Active = &b
	}
	out.Queued = append(out.Queued, l.queue...)
	if l.last != nil {
		b := *l.last
		out.LastTerminal = &b
	}
	return out
}

func (s *Scheduler) Get(ctx context.Context, id string) (domain.BuildRequest, error) {
	stored, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.BuildRequest{}, err
	}
	if l := s.existingLane(stored.Target); l != nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		return s.current(l, stored), nil
	}
	return stored, nil
}

func (s *Scheduler) List(ctx context.Context, target string, limit int) ([]domain.BuildRequest, error) {
	return s.store.List(ctx, repo.BuildFilter{Target: strings.TrimSpace(target), NewestFirst: true, Limit: limit})
}

// Recover rebuilds lanes from the store after a restart. Builds a previous
// process left ACTIVE are FAILED as interrupted; QUEUED builds are requeued
// in their original order and promoted.
func (s *Scheduler) Recover(ctx context.Context) error {
	stale, err := s.store.List(ctx, repo.BuildFilter{Statuses: []domain.BuildStatus{domain.BuildActive}})
	if err != nil {
		return fmt.Errorf("list active builds: %w", err)
	}
	for _, b := range stale {
		l, err := s.lane(b.Target)
		if err != nil {
			return err
		}
		l.mu.Lock()
		if l.active != nil && l.active.build.ID == b.ID {
			l.mu.Unlock()
			continue
		}
		finished := s.now()
		b.Status = domain.BuildFailed
		b.Error = "interrupted"
		b.FinishedAt = &finished
		err = s.store.Update(ctx, b)
		if err == nil {
			l.last = &b
			s.notify(ctx, b)
		}
		l.mu.Unlock()
		if err != nil {
			return fmt.Errorf("fail interrupted build %s: %w", b.ID, err)
		}
		s.logger.Warn("interrupted build failed on recovery", "build_id", b.ID, "target", b.Target)
	}

	queued, err := s.store.List(ctx, repo.BuildFilter{Statuses: []domain.BuildStatus{domain.BuildQueued}})
	if err != nil {
		return fmt.Errorf("list queued builds: %w", err)
	}
	for _, b := range queued {
		l, err := s.lane(b.Target)
		if err != nil {
			return err
		}
		l.mu.Lock()
		if !l.holds(b.ID) {
			l.queue = append(l.queue, b)
			s.promoteLocked(l)
		}
		l.mu.Unlock()
	}
	if len(stale) > 0 || len(queued) > 0 {
		s.logger.Info("scheduler recovered", "interrupted", len(stale), "requeued", len(queued))
	}
	return nil
}

func (l *lane) holds(id string) bool {
	if l.active != nil && l.active.build.ID == id {
		return true
	}
	for _, q := range l.queue {
		if q.ID == id {
			return true
		}
	}
	return false
}

// Shutdown stops promotion, cancels running builds and waits for their
// runners. Queued builds stay QUEUED for the next Recover.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	lanes := make([]*lane, 0, len(s.lanes))
	for _, l := range s.lanes {
		lanes = append(lanes, l)
	}
	s.mu.Unlock()

	for _, l := range lanes {
		l.mu.Lock()
		l.draining = true
		l.mu.Unlock()
	}
	s.cancelBase()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
