package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/conveyor/internal/config"
	"github.com/animus-labs/conveyor/internal/deploy"
	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/pipeline"
	"github.com/animus-labs/conveyor/internal/platform/auth"
	"github.com/animus-labs/conveyor/internal/platform/httpserver"
	"github.com/animus-labs/conveyor/internal/receiver"
	"github.com/animus-labs/conveyor/internal/scheduler"
	"github.com/animus-labs/conveyor/internal/status"
	"github.com/animus-labs/conveyor/internal/webhook"
)

const (
	maxWebhookBody = 1 << 20
	defaultLimit   = 50
	maxLimit       = 500
)

type deployerAPI struct {
	logger    *slog.Logger
	catalog   *config.Catalog
	receiver  *receiver.Receiver
	scheduler *scheduler.Scheduler
	executor  *deploy.Executor
	pipeline  *pipeline.Pipeline
	reporter  *status.Reporter

	heartbeat time.Duration
}

func newDeployerAPI(
	logger *slog.Logger,
	catalog *config.Catalog,
	rcv *receiver.Receiver,
	sched *scheduler.Scheduler,
	executor *deploy.Executor,
	pipe *pipeline.Pipeline,
	reporter *status.Reporter,
) *deployerAPI {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &deployerAPI{
		logger:    logger,
		catalog:   catalog,
		receiver:  rcv,
		scheduler: sched,
		executor:  executor,
		pipeline:  pipe,
		reporter:  reporter,
		heartbeat: 15 * time.Second,
	}
}

func (api *deployerAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/github", api.handleWebhook(webhook.SchemeGitHub))
	mux.HandleFunc("POST /webhooks/ci", api.handleWebhook(webhook.SchemeCI))

	mux.HandleFunc("GET /builds/{build_id}", api.handleGetBuild)
	mux.HandleFunc("GET /builds/{build_id}/log", api.handleGetBuildLog)
	mux.HandleFunc("POST /builds/{build_id}/cancel", api.handleCancelBuild)

	mux.HandleFunc("GET /targets", api.handleListTargets)
	mux.HandleFunc("GET /targets/{target}", api.handleGetTarget)
	mux.HandleFunc("GET /targets/{target}/builds", api.handleListBuilds)
	mux.HandleFunc("GET /targets/{target}/deployments", api.handleListDeployments)
	mux.HandleFunc("POST /targets/{target}/rollback", api.handleRollback)

	mux.HandleFunc("GET /events", api.handleListEvents)
	mux.HandleFunc("GET /events/stream", api.handleStreamEvents)
}

func (api *deployerAPI) handleWebhook(scheme webhook.Scheme) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
		if err != nil {
			httpserver.JSONError(w, r, http.StatusBadRequest, "invalid_body")
			return
		}
		if len(body) > maxWebhookBody {
			httpserver.JSONError(w, r, http.StatusRequestEntityTooLarge, "body_too_large")
			return
		}
		requestID, _ := httpserver.RequestIDFromContext(r.Context())
		d := receiver.Delivery{
			Scheme:     scheme,
			Method:     r.Method,
			Header:     r.Header,
			Body:       body,
			RequestID:  requestID,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		}

		if scheme == webhook.SchemeGitHub && strings.TrimSpace(r.Header.Get(webhook.HeaderGitHubEvent)) == "ping" {
			if err := api.receiver.Ping(r.Context(), d); err != nil {
				api.writeDomainError(w, r, err)
				return
			}
			httpserver.JSON(w, http.StatusOK, map[string]any{"status": "pong"})
			return
		}

		b, created, err := api.receiver.Accept(r.Context(), d)
		if err != nil {
			api.writeDomainError(w, r, err)
			return
		}
		code := http.StatusOK
		if created {
			code = http.StatusAccepted
		}
		httpserver.JSON(w, code, map[string]any{"build": b, "created": created})
	}
}

func (api *deployerAPI) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	b, err := api.scheduler.Get(r.Context(), strings.TrimSpace(r.PathValue("build_id")))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.JSON(w, http.StatusOK, b)
}

func (api *deployerAPI) handleGetBuildLog(w http.ResponseWriter, r *http.Request) {
	b, err := api.scheduler.Get(r.Context(), strings.TrimSpace(r.PathValue("build_id")))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	rc, err := api.pipeline.Log(r.Context(), b)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		api.logger.Warn("stream build log failed", "build_id", b.ID, "error", err)
	}
}

func (api *deployerAPI) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	b, err := api.scheduler.Cancel(r.Context(), strings.TrimSpace(r.PathValue("build_id")))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.logger.Info("build cancel", "build_id", b.ID, "target", b.Target, "actor", actorOf(r))
	httpserver.JSON(w, http.StatusAccepted, b)
}

type targetView struct {
	Name   string                 `json:"name"`
	Status scheduler.TargetStatus `json:"status"`
	Live   *domain.Deployment     `json:"live,omitempty"`
}

func (api *deployerAPI) targetView(ctx context.Context, name string) (targetView, error) {
	view := targetView{Name: name, Status: api.scheduler.Status(name)}
	live, ok, err := api.executor.Current(ctx, name)
	if err != nil {
		return targetView{}, err
	}
	if ok {
		view.Live = &live
	}
	return view, nil
}

func (api *deployerAPI) handleListTargets(w http.ResponseWriter, r *http.Request) {
	names := api.catalog.Names()
	out := make([]targetView, 0, len(names))
	for _, name := range names {
		view, err := api.targetView(r.Context(), name)
		if err != nil {
			api.writeDomainError(w, r, err)
			return
		}
		out = append(out, view)
	}
	httpserver.JSON(w, http.StatusOK, map[string]any{"targets": out})
}

func (api *deployerAPI) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	name, ok := api.knownTarget(w, r)
	if !ok {
		return
	}
	view, err := api.targetView(r.Context(), name)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.JSON(w, http.StatusOK, view)
}

func (api *deployerAPI) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	name, ok := api.knownTarget(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	builds, err := api.scheduler.List(r.Context(), name, limit)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.JSON(w, http.StatusOK, map[string]any{"builds": builds})
}

func (api *deployerAPI) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	name, ok := api.knownTarget(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	history, err := api.executor.History(r.Context(), name, limit)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.JSON(w, http.StatusOK, map[string]any{"deployments": history})
}

func (api *deployerAPI) handleRollback(w http.ResponseWriter, r *http.Request) {
	name, ok := api.knownTarget(w, r)
	if !ok {
		return
	}
	actor := actorOf(r)
	d, err := api.executor.Rollback(r.Context(), name)
	if err != nil {
		api.logger.Warn("rollback refused", "target", name, "actor", actor, "error", err)
		api.writeDomainError(w, r, err)
		return
	}
	api.logger.Info("rollback", "target", name, "version_id", d.VersionID, "actor", actor)
	httpserver.JSON(w, http.StatusOK, d)
}

func (api *deployerAPI) handleListEvents(w http.ResponseWriter, r *http.Request) {
	after, ok := parseAfter(w, r, r.URL.Query().Get("after"))
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	events := api.reporter.Recent(after, limit)
	httpserver.JSON(w, http.StatusOK, map[string]any{
		"events":   events,
		"last_seq": api.reporter.LastSeq(),
	})
}

func (api *deployerAPI) knownTarget(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := strings.TrimSpace(r.PathValue("target"))
	if _, ok := api.catalog.Target(name); !ok {
		httpserver.JSONError(w, r, http.StatusNotFound, "target_not_found")
		return "", false
	}
	return name, true
}

// writeDomainError maps the sentinel errors shared by every component to a
// status code. Webhook rejections use their reason as the error code.
func (api *deployerAPI) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	reason := webhook.ReasonOf(err)
	switch {
	case errors.Is(err, domain.ErrAuthentication):
		httpserver.JSONError(w, r, http.StatusUnauthorized, reason)
	case errors.Is(err, domain.ErrValidation):
		if reason == "internal" {
			reason = "invalid_request"
		}
		httpserver.JSONError(w, r, http.StatusBadRequest, reason)
	case errors.Is(err, domain.ErrNotFound):
		httpserver.JSONError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, domain.ErrNoPriorVersion):
		httpserver.JSONError(w, r, http.StatusConflict, "no_prior_version")
	case errors.Is(err, domain.ErrRollout):
		api.logger.Error("rollout failed", "request_id", r.Header.Get("X-Request-Id"), "error", err)
		httpserver.JSONError(w, r, http.StatusInternalServerError, "rollout_failed")
	default:
		api.logger.Error("request failed", "request_id", r.Header.Get("X-Request-Id"), "path", r.URL.Path, "error", err)
		httpserver.JSONError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		httpserver.JSONError(w, r, http.StatusBadRequest, "invalid_limit")
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}

func parseAfter(w http.ResponseWriter, r *http.Request, raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		httpserver.JSONError(w, r, http.StatusBadRequest, "invalid_after")
		return 0, false
	}
	return n, true
}

// actorOf names the operator behind r; webhook routes and tests without the
// auth middleware have none.
func actorOf(r *http.Request) string {
	identity, _ := auth.IdentityFromContext(r.Context())
	return identity.Actor()
}
