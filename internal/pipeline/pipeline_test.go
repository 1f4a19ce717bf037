package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/conveyor/internal/build"
	"github.com/animus-labs/conveyor/internal/config"
	"github.com/animus-labs/conveyor/internal/deploy"
	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/repo/memory"
	"github.com/animus-labs/conveyor/internal/scheduler"
	"github.com/animus-labs/conveyor/internal/secrets"
	"github.com/animus-labs/conveyor/internal/status"
)

const (
	dbPassword  = "hunter2-db-password"
	targetsYAML = `
schema: conveyor.targets.v1
targets:
  - name: prod
    branches: [main]
    secrets:
      - name: db-password
        env: DB_PASSWORD
    build:
      artifact: "registry.local/app:{revision}"
  - name: locked
    branches: [release]
    secrets:
      - name: signing-key
        env: SIGNING_KEY
    build:
      artifact: "registry.local/locked:{revision}"
`
)

// scriptedBuilder prints the secret it was given and fails for revisions
// starting with "bad".
type scriptedBuilder struct{}

func (scriptedBuilder) Build(ctx context.Context, job build.Job) (domain.Artifact, error) {
	pw, _ := job.Scope.Lookup("DB_PASSWORD")
	fmt.Fprintf(job.Log, "connecting with %s\n", pw)
	if strings.HasPrefix(job.Build.Revision, "bad") {
		return domain.Artifact{}, fmt.Errorf("migration failed: password %s rejected", pw)
	}
	return domain.Artifact{
		Target:   job.Build.Target,
		Revision: job.Build.Revision,
		Ref:      build.RenderTemplate(job.Target.Build.Artifact, job.Build),
	}, nil
}

type harness struct {
	sched    *scheduler.Scheduler
	reporter *status.Reporter
	platform *deploy.MemoryPlatform
	exec     *deploy.Executor
	pipe     *Pipeline
	events   <-chan status.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cat, err := config.Parse([]byte(targetsYAML))
	if err != nil {
		t.Fatalf("config.Parse() err=%v", err)
	}
	store := secrets.NewMemoryStore()
	store.Put("db-password", dbPassword)
	resolver, err := secrets.NewResolver(store, cat, secrets.NewRedactor(), nil)
	if err != nil {
		t.Fatalf("NewResolver() err=%v", err)
	}
	reporter := status.NewReporter(status.Options{Redactor: resolver.Redactor()})

	h := &harness{reporter: reporter, platform: deploy.NewMemoryPlatform()}
	h.exec, err = deploy.NewExecutor(deploy.Options{
		Store:     memory.NewDeploymentStore(),
		Platform:  h.platform,
		Targets:   cat,
		Observer:  func(ctx context.Context, d domain.Deployment) { h.pipe.ObserveDeployment(ctx, d) },
		OnFailure: func(ctx context.Context, target string, d domain.Deployment, err error) { h.pipe.ObserveRollbackFailure(ctx, target, d, err) },
	})
	if err != nil {
		t.Fatalf("NewExecutor() err=%v", err)
	}
	h.pipe, err = New(Options{
		Targets:  cat,
		Secrets:  resolver,
		Builder:  scriptedBuilder{},
		Deployer: h.exec,
		Reporter: reporter,
	})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	h.sched, err = scheduler.New(scheduler.Options{
		Store:    memory.NewBuildStore(),
		Runner:   h.pipe,
		Observer: h.pipe.ObserveBuild,
	})
	if err != nil {
		t.Fatalf("scheduler.New() err=%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.events = reporter.Subscribe(ctx, 0)
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = h.sched.Shutdown(sctx)
		reporter.Close()
	})
	return h
}

func (h *harness) enqueue(t *testing.T, revision, target string) domain.BuildRequest {
	t.Helper()
	b, _, err := h.sched.Enqueue(context.Background(), domain.BuildRequest{Revision: revision, Target: target})
	if err != nil {
		t.Fatalf("Enqueue(%s) err=%v", revision, err)
	}
	return b
}

// until collects events until one of kind for buildID arrives.
func (h *harness) until(t *testing.T, buildID string, kind status.Kind) []status.Event {
	t.Helper()
	var seen []status.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				t.Fatalf("event stream closed before %s", kind)
			}
			seen = append(seen, ev)
			if ev.BuildID == buildID && ev.Kind == kind {
				return seen
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s of %s; saw %d events", kind, buildID, len(seen))
		}
	}
}

func kinds(evs []status.Event) string {
	parts := make([]string, 0, len(evs))
	for _, ev := range evs {
		parts = append(parts, string(ev.Kind))
	}
	return strings.Join(parts, ",")
}

func TestRun_PushGoesLive(t *testing.T) {
	h := newHarness(t)
	b := h.enqueue(t, "abc123", "prod")

	evs := h.until(t, b.ID, status.KindBuildSucceeded)
	want := "build.queued,build.active,deploy.rolling_out,deploy.live,build.succeeded"
	if got := kinds(evs); got != want {
		t.Fatalf("events=%s, want %s", got, want)
	}
	terminal := evs[len(evs)-1]
	if terminal.Secrets["DB_PASSWORD"] != "yes" {
		t.Fatalf("terminal secrets=%v, want DB_PASSWORD=yes", terminal.Secrets)
	}
	if got := h.platform.Live("prod"); got != "registry.local/app:abc123" {
		t.Fatalf("Live(prod)=%q", got)
	}
	cur, ok, _ := h.exec.Current(context.Background(), "prod")
	if !ok || cur.BuildID != b.ID || cur.VersionID != "v1" {
		t.Fatalf("Current()=%+v,%v", cur, ok)
	}

	rc, err := h.pipe.Log(context.Background(), b)
	if err != nil {
		t.Fatalf("Log() err=%v", err)
	}
	defer rc.Close()
	log, _ := io.ReadAll(rc)
	if strings.Contains(string(log), dbPassword) || !strings.Contains(string(log), secrets.Mask) {
		t.Fatalf("Log()=%q, want secret masked", log)
	}
}

func TestRun_BuildFailureIsRedacted(t *testing.T) {
	h := newHarness(t)
	b := h.enqueue(t, "bad1", "prod")

	evs := h.until(t, b.ID, status.KindBuildFailed)
	for _, ev := range evs {
		if strings.Contains(ev.Error+ev.Message, dbPassword) {
			t.Fatalf("event leaked secret: %+v", ev)
		}
	}
	terminal := evs[len(evs)-1]
	if !strings.Contains(terminal.Error, "migration failed") || !strings.Contains(terminal.Error, secrets.Mask) {
		t.Fatalf("terminal error=%q, want masked cause", terminal.Error)
	}
	got, err := h.sched.Get(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if got.Status != domain.BuildFailed || strings.Contains(got.Error, dbPassword) {
		t.Fatalf("Get()=%s %q", got.Status, got.Error)
	}
	if n, _ := h.platform.Counts(); n != 0 {
		t.Fatalf("deploys=%d, want 0 after a failed build", n)
	}
}

func TestRun_MissingSecretFailsBuild(t *testing.T) {
	h := newHarness(t)
	b := h.enqueue(t, "r1", "locked")

	evs := h.until(t, b.ID, status.KindBuildFailed)
	terminal := evs[len(evs)-1]
	if terminal.Secrets["SIGNING_KEY"] != "no" {
		t.Fatalf("terminal secrets=%v, want SIGNING_KEY=no", terminal.Secrets)
	}
	if terminal.Error == "" {
		t.Fatalf("terminal event has no error")
	}
}

func TestRun_RolloutFailureRestoresPrior(t *testing.T) {
	h := newHarness(t)
	first := h.enqueue(t, "r1", "prod")
	h.until(t, first.ID, status.KindBuildSucceeded)

	h.platform.FailNext("prod", errors.New("readiness check failed"))
	second := h.enqueue(t, "r2", "prod")
	evs := h.until(t, second.ID, status.KindBuildFailed)

	if got := kinds(evs); !strings.Contains(got, "deploy.rolling_out,deploy.rolled_back,build.failed") {
		t.Fatalf("events=%s, want rollout then rollback then failure", got)
	}
	if got := h.platform.Live("prod"); got != "registry.local/app:r1" {
		t.Fatalf("Live(prod)=%q, want r1 restored", got)
	}
}

func TestRun_UnknownTarget(t *testing.T) {
	h := newHarness(t)
	err := h.pipe.Run(context.Background(), domain.BuildRequest{ID: "b1", Revision: "r1", Target: "qa"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Run() err=%v, want ErrValidation", err)
	}
}

func TestLog_NotFound(t *testing.T) {
	h := newHarness(t)
	if _, err := h.pipe.Log(context.Background(), domain.BuildRequest{ID: "missing", Target: "prod"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Log() err=%v, want ErrNotFound", err)
	}
}
