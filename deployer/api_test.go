package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/conveyor/internal/build"
	"github.com/animus-labs/conveyor/internal/config"
	"github.com/animus-labs/conveyor/internal/deploy"
	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/pipeline"
	"github.com/animus-labs/conveyor/internal/receiver"
	"github.com/animus-labs/conveyor/internal/repo/memory"
	"github.com/animus-labs/conveyor/internal/scheduler"
	"github.com/animus-labs/conveyor/internal/secrets"
	"github.com/animus-labs/conveyor/internal/status"
	"github.com/animus-labs/conveyor/internal/webhook"
)

const (
	testGitHubSecret = "gh-secret"
	testTargets      = `
schema: conveyor.targets.v1
targets:
  - name: prod
    branches: [main]
    build:
      artifact: "registry.local/app:{revision}"
`
)

func newTestAPI(t *testing.T) (*deployerAPI, http.Handler) {
	t.Helper()
	catalog, err := config.Parse([]byte(testTargets))
	if err != nil {
		t.Fatalf("config.Parse() err=%v", err)
	}
	redactor := secrets.NewRedactor()
	resolver, err := secrets.NewResolver(secrets.NewMemoryStore(), catalog, redactor, nil)
	if err != nil {
		t.Fatalf("NewResolver() err=%v", err)
	}
	reporter := status.NewReporter(status.Options{Redactor: redactor})

	var pipe *pipeline.Pipeline
	executor, err := deploy.NewExecutor(deploy.Options{
		Store:     memory.NewDeploymentStore(),
		Platform:  deploy.NewMemoryPlatform(),
		Targets:   catalog,
		Observer:  func(ctx context.Context, d domain.Deployment) { pipe.ObserveDeployment(ctx, d) },
		OnFailure: func(ctx context.Context, target string, d domain.Deployment, err error) { pipe.ObserveRollbackFailure(ctx, target, d, err) },
	})
	if err != nil {
		t.Fatalf("NewExecutor() err=%v", err)
	}
	pipe, err = pipeline.New(pipeline.Options{
		Targets:  catalog,
		Secrets:  resolver,
		Builder:  build.StaticBuilder{},
		Deployer: executor,
		Reporter: reporter,
	})
	if err != nil {
		t.Fatalf("pipeline.New() err=%v", err)
	}
	sched, err := scheduler.New(scheduler.Options{
		Store:    memory.NewBuildStore(),
		Runner:   pipe,
		Observer: pipe.ObserveBuild,
	})
	if err != nil {
		t.Fatalf("scheduler.New() err=%v", err)
	}
	rcv, err := receiver.New(receiver.Options{
		Verifier:  webhook.Verifier{GitHubSecret: testGitHubSecret},
		Targets:   catalog,
		Scheduler: sched,
		Reporter:  reporter,
	})
	if err != nil {
		t.Fatalf("receiver.New() err=%v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
		reporter.Close()
	})

	api := newDeployerAPI(nil, catalog, rcv, sched, executor, pipe, reporter)
	api.logger = discardLogger()
	api.heartbeat = 50 * time.Millisecond
	mux := http.NewServeMux()
	api.register(mux)
	return api, mux
}

func pushRequest(revision string, sign bool) *http.Request {
	body := `{"ref":"refs/heads/main","after":"` + revision + `","repository":{"full_name":"acme/shop"},"sender":{"login":"dev1"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(body))
	req.Header.Set(webhook.HeaderGitHubEvent, "push")
	if sign {
		req.Header.Set(webhook.HeaderGitHubSignature, webhook.ComputeGitHubSignature(testGitHubSecret, []byte(body)))
	} else {
		req.Header.Set(webhook.HeaderGitHubSignature, "sha256=0000")
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

type webhookResponse struct {
	Build   domain.BuildRequest `json:"build"`
	Created bool                `json:"created"`
}

func waitForBuild(t *testing.T, h http.Handler, id string, want domain.BuildStatus) domain.BuildRequest {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := serve(h, httptest.NewRequest(http.MethodGet, "/builds/"+id, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /builds/%s status=%d", id, rec.Code)
		}
		b := decode[domain.BuildRequest](t, rec)
		if b.Status == want {
			return b
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("build %s never reached %s", id, want)
	return domain.BuildRequest{}
}

func TestWebhook_AcceptAndDedup(t *testing.T) {
	_, h := newTestAPI(t)

	rec := serve(h, pushRequest("abc123", true))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first delivery status=%d body=%s", rec.Code, rec.Body.String())
	}
	first := decode[webhookResponse](t, rec)
	if !first.Created || first.Build.Target != "prod" {
		t.Fatalf("first delivery=%+v", first)
	}

	rec = serve(h, pushRequest("abc123", true))
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery status=%d", rec.Code)
	}
	again := decode[webhookResponse](t, rec)
	if again.Created || again.Build.ID != first.Build.ID {
		t.Fatalf("redelivery=%+v, want existing build", again)
	}

	waitForBuild(t, h, first.Build.ID, domain.BuildSucceeded)
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/targets/prod", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /targets/prod status=%d", rec.Code)
	}
	view := decode[targetView](t, rec)
	if view.Live == nil || view.Live.Artifact.Ref != "registry.local/app:abc123" || view.Live.State != domain.RolloutLive {
		t.Fatalf("target view=%+v", view)
	}
}

func TestWebhook_Rejections(t *testing.T) {
	_, h := newTestAPI(t)

	rec := serve(h, pushRequest("abc123", false))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature status=%d", rec.Code)
	}
	if body := decode[map[string]any](t, rec); body["error"] != "invalid_signature" {
		t.Fatalf("bad signature body=%v", body)
	}

	body := `{"ref":"refs/heads/feature","after":"abc123"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(body))
	req.Header.Set(webhook.HeaderGitHubSignature, webhook.ComputeGitHubSignature(testGitHubSecret, []byte(body)))
	rec = serve(h, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unmapped branch status=%d", rec.Code)
	}
	if body := decode[map[string]any](t, rec); body["error"] != "unknown_target" {
		t.Fatalf("unmapped branch body=%v", body)
	}

	rec = serve(h, httptest.NewRequest(http.MethodPost, "/webhooks/ci", strings.NewReader(`{}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("ci without secret status=%d", rec.Code)
	}
}

func TestWebhook_Ping(t *testing.T) {
	_, h := newTestAPI(t)
	body := `{"zen":"Design for failure."}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(body))
	req.Header.Set(webhook.HeaderGitHubEvent, "ping")
	req.Header.Set(webhook.HeaderGitHubSignature, webhook.ComputeGitHubSignature(testGitHubSecret, []byte(body)))
	rec := serve(h, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pong") {
		t.Fatalf("ping status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestBuildsAndTargets_NotFound(t *testing.T) {
	_, h := newTestAPI(t)
	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/builds/missing", http.StatusNotFound},
		{http.MethodGet, "/builds/missing/log", http.StatusNotFound},
		{http.MethodPost, "/builds/missing/cancel", http.StatusNotFound},
		{http.MethodGet, "/targets/qa", http.StatusNotFound},
		{http.MethodGet, "/targets/qa/deployments", http.StatusNotFound},
		{http.MethodPost, "/targets/qa/rollback", http.StatusNotFound},
		{http.MethodPost, "/targets/prod/rollback", http.StatusConflict},
		{http.MethodGet, "/targets/prod/deployments?limit=abc", http.StatusBadRequest},
		{http.MethodGet, "/events?after=-1", http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := serve(h, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != tc.want {
			t.Fatalf("%s %s status=%d, want %d (body=%s)", tc.method, tc.path, rec.Code, tc.want, rec.Body.String())
		}
	}
}

func TestRollbackEndpoint(t *testing.T) {
	_, h := newTestAPI(t)
	var ids []string
	for _, rev := range []string{"r1", "r2"} {
		rec := serve(h, pushRequest(rev, true))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("push %s status=%d", rev, rec.Code)
		}
		id := decode[webhookResponse](t, rec).Build.ID
		waitForBuild(t, h, id, domain.BuildSucceeded)
		ids = append(ids, id)
	}

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/targets/prod/rollback", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("rollback status=%d body=%s", rec.Code, rec.Body.String())
	}
	if d := decode[domain.Deployment](t, rec); d.VersionID != "v1" || d.BuildID != ids[0] {
		t.Fatalf("rollback=%+v, want v1 from %s", d, ids[0])
	}

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/targets/prod/deployments", nil))
	history := decode[map[string][]domain.Deployment](t, rec)["deployments"]
	if len(history) != 2 || history[1].State != domain.RolloutRolledBack {
		t.Fatalf("deployments=%+v", history)
	}

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/builds/"+ids[0]+"/log", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "registry.local/app:r1") {
		t.Fatalf("build log status=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestEvents_ListAndStream(t *testing.T) {
	api, h := newTestAPI(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/stream?after=0", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("stream request err=%v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type=%q", ct)
	}

	rec := serve(h, pushRequest("abc123", true))
	id := decode[webhookResponse](t, rec).Build.ID

	scanner := bufio.NewScanner(resp.Body)
	seen := map[string]bool{}
	for scanner.Scan() {
		line := scanner.Text()
		if kind, ok := strings.CutPrefix(line, "event: "); ok {
			seen[kind] = true
			if kind == string(status.KindBuildSucceeded) {
				break
			}
		}
	}
	for _, kind := range []string{"ready", "build.queued", "build.active", "deploy.live", "build.succeeded"} {
		if !seen[kind] {
			t.Fatalf("stream missing %s; saw %v", kind, seen)
		}
	}

	waitForBuild(t, h, id, domain.BuildSucceeded)
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/events?after=0&limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /events status=%d", rec.Code)
	}
	var page struct {
		Events  []status.Event `json:"events"`
		LastSeq int64          `json:"last_seq"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(page.Events) != 2 || page.Events[0].Seq != 1 || page.LastSeq != api.reporter.LastSeq() {
		t.Fatalf("events page=%+v", page)
	}
}

func TestRollbackEndpoint_FailureIsPublished(t *testing.T) {
	api, h := newTestAPI(t)

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/targets/prod/rollback", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("rollback status=%d, want 409", rec.Code)
	}
	var found *status.Event
	for _, ev := range api.reporter.Recent(0, 100) {
		if ev.Kind == status.KindDeployRollbackFailed {
			found = &ev
		}
	}
	if found == nil {
		t.Fatalf("no %s event published", status.KindDeployRollbackFailed)
	}
	if found.Target != "prod" || found.Status != "ROLLBACK_FAILED" || !strings.Contains(found.Error, "no live version") {
		t.Fatalf("event=%+v", *found)
	}
}
