package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/repo/memory"
)

type transitions struct {
	ch chan domain.BuildRequest
}

func newTransitions() *transitions {
	return &transitions{ch: make(chan domain.BuildRequest, 1024)}
}

func (tr *transitions) observe(ctx context.Context, b domain.BuildRequest) {
	tr.ch <- b
}

func (tr *transitions) waitFor(t *testing.T, id string, status domain.BuildStatus) domain.BuildRequest {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case b := <-tr.ch:
			if b.ID == id && b.Status == status {
				return b
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s to become %s", id, status)
		}
	}
}

// gatedRunner blocks each build until its revision is released.
type gatedRunner struct {
	mu    sync.Mutex
	gates map[string]chan error
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{gates: make(map[string]chan error)}
}

func (g *gatedRunner) gate(rev string) chan error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[rev]
	if !ok {
		ch = make(chan error, 1)
		g.gates[rev] = ch
	}
	return ch
}

func (g *gatedRunner) release(rev string, err error) {
	g.gate(rev) <- err
}

func (g *gatedRunner) Run(ctx context.Context, b domain.BuildRequest) error {
	select {
	case err := <-g.gate(b.Revision):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newTestScheduler(t *testing.T, runner Runner, store *memory.BuildStore) (*Scheduler, *transitions) {
	t.Helper()
	if store == nil {
		store = memory.NewBuildStore()
	}
	tr := newTransitions()
	s, err := New(Options{Store: store, Runner: runner, Observer: tr.observe})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, tr
}

func enqueue(t *testing.T, s *Scheduler, rev, target string) (domain.BuildRequest, bool) {
	t.Helper()
	b, created, err := s.Enqueue(context.Background(), domain.BuildRequest{Revision: rev, Target: target})
	if err != nil {
		t.Fatalf("Enqueue(%s,%s) err=%v", rev, target, err)
	}
	return b, created
}

func TestEnqueue_SecondPushQueuedThenPromoted(t *testing.T) {
	runner := newGatedRunner()
	s, tr := newTestScheduler(t, runner, nil)

	first, _ := enqueue(t, s, "abc123", "prod")
	if first.Status != domain.BuildActive {
		t.Fatalf("first.Status=%s, want ACTIVE", first.Status)
	}
	second, _ := enqueue(t, s, "def456", "prod")
	if second.Status != domain.BuildQueued {
		t.Fatalf("second.Status=%s, want QUEUED", second.Status)
	}

	st := s.Status("prod")
	if st.Active == nil || st.Active.ID != first.ID {
		t.Fatalf("Status().Active=%v, want %s", st.Active, first.ID)
	}
	if len(st.Queued) != 1 || st.Queued[0].ID != second.ID {
		t.Fatalf("Status().Queued=%v", st.Queued)
	}

	runner.release("abc123", nil)
	tr.waitFor(t, first.ID, domain.BuildSucceeded)
	tr.waitFor(t, second.ID, domain.BuildActive)

	st = s.Status("prod")
	if st.Active == nil || st.Active.ID != second.ID || len(st.Queued) != 0 {
		t.Fatalf("after promotion Status()=%+v", st)
	}
	if st.LastTerminal == nil || st.LastTerminal.ID != first.ID {
		t.Fatalf("LastTerminal=%v, want %s", st.LastTerminal, first.ID)
	}
	runner.release("def456", nil)
	tr.waitFor(t, second.ID, domain.BuildSucceeded)
}

func TestEnqueue_DuplicateIsIdempotent(t *testing.T) {
	runner := newGatedRunner()
	s, _ := newTestScheduler(t, runner, nil)

	first, created := enqueue(t, s, "abc123", "prod")
	if !created {
		t.Fatalf("first Enqueue should create")
	}
	again, created := enqueue(t, s, "abc123", "prod")
	if created {
		t.Fatalf("duplicate Enqueue should not create")
	}
	if again.ID != first.ID || again.Status != domain.BuildActive {
		t.Fatalf("duplicate=%+v, want %s ACTIVE", again, first.ID)
	}
	if st := s.Status("prod"); len(st.Queued) != 0 {
		t.Fatalf("duplicate was queued: %v", st.Queued)
	}
	runner.release("abc123", nil)
}

func TestEnqueue_RequiresRevisionAndTarget(t *testing.T) {
	s, _ := newTestScheduler(t, newGatedRunner(), nil)
	if _, _, err := s.Enqueue(context.Background(), domain.BuildRequest{Target: "prod"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Enqueue() err=%v, want ErrValidation", err)
	}
}

func TestConcurrentEnqueue_AtMostOneActivePerTarget(t *testing.T) {
	var (
		mu        sync.Mutex
		active    = map[string]int{}
		maxActive = map[string]int{}
		done      atomic.Int64
	)
	runner := RunnerFunc(func(ctx context.Context, b domain.BuildRequest) error {
		mu.Lock()
		active[b.Target]++
		if active[b.Target] > maxActive[b.Target] {
			maxActive[b.Target] = active[b.Target]
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		active[b.Target]--
		mu.Unlock()
		done.Add(1)
		return nil
	})
	s, _ := newTestScheduler(t, runner, nil)

	const perTarget = 25
	targets := []string{"prod", "staging"}
	var wg sync.WaitGroup
	for _, target := range targets {
		for i := 0; i < perTarget; i++ {
			wg.Add(1)
			go func(target string, i int) {
				defer wg.Done()
				// every revision is delivered twice
				for j := 0; j < 2; j++ {
					if _, _, err := s.Enqueue(context.Background(), domain.BuildRequest{
						Revision: fmt.Sprintf("rev-%d", i),
						Target:   target,
					}); err != nil {
						t.Errorf("Enqueue() err=%v", err)
					}
				}
			}(target, i)
		}
	}
	wg.Wait()

	deadline := time.Now().Add(10 * time.Second)
	for done.Load() < int64(perTarget*len(targets)) {
		if time.Now().After(deadline) {
			t.Fatalf("only %d builds finished", done.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	// let the last completion settle
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, target := range targets {
		if maxActive[target] != 1 {
			t.Fatalf("max concurrent active builds for %s=%d, want 1", target, maxActive[target])
		}
	}
	if got := done.Load(); got != int64(perTarget*len(targets)) {
		t.Fatalf("ran %d builds, want %d (duplicates must not run)", got, perTarget*len(targets))
	}
}

func TestIndependentTargetsRunInParallel(t *testing.T) {
	runner := newGatedRunner()
	s, tr := newTestScheduler(t, runner, nil)

	prod, _ := enqueue(t, s, "abc123", "prod")
	staging, _ := enqueue(t, s, "abc123", "staging")
	if prod.Status != domain.BuildActive || staging.Status != domain.BuildActive {
		t.Fatalf("both targets should be ACTIVE: prod=%s staging=%s", prod.Status, staging.Status)
	}
	runner.release("abc123", nil)
	runner.release("abc123", nil)
	tr.waitFor(t, prod.ID, domain.BuildSucceeded)
	tr.waitFor(t, staging.ID, domain.BuildSucceeded)
}

func TestFailedBuildDoesNotBlockQueue(t *testing.T) {
	runner := newGatedRunner()
	s, tr := newTestScheduler(t, runner, nil)

	first, _ := enqueue(t, s, "bad", "prod")
	second, _ := enqueue(t, s, "good", "prod")
	runner.release("bad", errors.New("compile error"))

	failed := tr.waitFor(t, first.ID, domain.BuildFailed)
	if failed.Error != "compile error" || failed.FinishedAt == nil {
		t.Fatalf("failed build=%+v", failed)
	}
	tr.waitFor(t, second.ID, domain.BuildActive)
	runner.release("good", nil)
	tr.waitFor(t, second.ID, domain.BuildSucceeded)
}

func TestRunnerPanicFailsBuild(t *testing.T) {
	s, tr := newTestScheduler(t, RunnerFunc(func(ctx context.Context, b domain.BuildRequest) error {
		panic("boom")
	}), nil)
	b, _ := enqueue(t, s, "abc123", "prod")
	failed := tr.waitFor(t, b.ID, domain.BuildFailed)
	if failed.Error != "runner panic: boom" {
		t.Fatalf("Error=%q", failed.Error)
	}
}

func TestCancel_Queued(t *testing.T) {
	runner := newGatedRunner()
	s, tr := newTestScheduler(t, runner, nil)

	first, _ := enqueue(t, s, "abc123", "prod")
	second, _ := enqueue(t, s, "def456", "prod")
	third, _ := enqueue(t, s, "ghi789", "prod")

	got, err := s.Cancel(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("Cancel() err=%v", err)
	}
	if got.Status != domain.BuildCanceled {
		t.Fatalf("Cancel().Status=%s", got.Status)
	}
	if st := s.Status("prod"); len(st.Queued) != 1 || st.Queued[0].ID != third.ID {
		t.Fatalf("Queued=%v, want only %s", st.Queued, third.ID)
	}

	runner.release("abc123", nil)
	tr.waitFor(t, first.ID, domain.BuildSucceeded)
	tr.waitFor(t, third.ID, domain.BuildActive)
	runner.release("ghi789", nil)

	stored, err := s.Get(context.Background(), second.ID)
	if err != nil || stored.Status != domain.BuildCanceled {
		t.Fatalf("Get()=%+v,%v", stored, err)
	}
}

func TestCancel_ActiveRunsToCanceled(t *testing.T) {
	runner := newGatedRunner()
	s, tr := newTestScheduler(t, runner, nil)

	first, _ := enqueue(t, s, "abc123", "prod")
	second, _ := enqueue(t, s, "def456", "prod")

	got, err := s.Cancel(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("Cancel() err=%v", err)
	}
	if got.Status != domain.BuildActive {
		t.Fatalf("Cancel() of active build should report it still ACTIVE, got %s", got.Status)
	}
	canceled := tr.waitFor(t, first.ID, domain.BuildCanceled)
	if canceled.Error != "" {
		t.Fatalf("canceled build Error=%q, want empty", canceled.Error)
	}
	tr.waitFor(t, second.ID, domain.BuildActive)
	runner.release("def456", nil)
}

func TestCancel_TerminalOrUnknown(t *testing.T) {
	runner := newGatedRunner()
	s, tr := newTestScheduler(t, runner, nil)

	b, _ := enqueue(t, s, "abc123", "prod")
	runner.release("abc123", nil)
	tr.waitFor(t, b.ID, domain.BuildSucceeded)

	if _, err := s.Cancel(context.Background(), b.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Cancel(terminal) err=%v, want ErrNotFound", err)
	}
	if _, err := s.Cancel(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Cancel(unknown) err=%v, want ErrNotFound", err)
	}
}

func TestRecover(t *testing.T) {
	store := memory.NewBuildStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seed := []domain.BuildRequest{
		{ID: "stale", Revision: "r0", Target: "prod", Status: domain.BuildActive, EnqueuedAt: base, StartedAt: &base},
		{ID: "q1", Revision: "r1", Target: "prod", Status: domain.BuildQueued, EnqueuedAt: base.Add(time.Second)},
		{ID: "q2", Revision: "r2", Target: "prod", Status: domain.BuildQueued, EnqueuedAt: base.Add(2 * time.Second)},
	}
	for _, b := range seed {
		if _, _, err := store.Create(ctx, b); err != nil {
			t.Fatalf("seed %s: %v", b.ID, err)
		}
	}

	runner := newGatedRunner()
	s, tr := newTestScheduler(t, runner, store)
	if err := s.Recover(ctx); err != nil {
		t.Fatalf("Recover() err=%v", err)
	}

	stale, _ := s.Get(ctx, "stale")
	if stale.Status != domain.BuildFailed || stale.Error != "interrupted" {
		t.Fatalf("stale=%+v, want FAILED interrupted", stale)
	}
	st := s.Status("prod")
	if st.Active == nil || st.Active.ID != "q1" || len(st.Queued) != 1 || st.Queued[0].ID != "q2" {
		t.Fatalf("Status()=%+v, want q1 active and q2 queued", st)
	}
	runner.release("r1", nil)
	tr.waitFor(t, "q2", domain.BuildActive)
	runner.release("r2", nil)
	tr.waitFor(t, "q2", domain.BuildSucceeded)
}

func TestShutdown_InterruptsActiveKeepsQueued(t *testing.T) {
	store := memory.NewBuildStore()
	runner := newGatedRunner()
	s, err := New(Options{Store: store, Runner: runner})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	first, _ := enqueue(t, s, "abc123", "prod")
	second, _ := enqueue(t, s, "def456", "prod")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() err=%v", err)
	}

	got, _ := store.Get(context.Background(), first.ID)
	if got.Status != domain.BuildFailed || got.Error != "interrupted by shutdown" {
		t.Fatalf("active build after shutdown=%+v", got)
	}
	got, _ = store.Get(context.Background(), second.ID)
	if got.Status != domain.BuildQueued {
		t.Fatalf("queued build after shutdown=%s, want QUEUED", got.Status)
	}
	if _, _, err := s.Enqueue(context.Background(), domain.BuildRequest{Revision: "x", Target: "prod"}); err == nil {
		t.Fatalf("Enqueue() after Shutdown should fail")
	}
}
