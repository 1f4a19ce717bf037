// Package receiver turns authenticated change notifications into queued
// build requests.
package receiver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/conveyor/internal/config"
	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/status"
	"github.com/animus-labs/conveyor/internal/webhook"
)

// Delivery is one inbound notification as read off the wire.
type Delivery struct {
	Scheme     webhook.Scheme
	Method     string
	Header     http.Header
	Body       []byte
	RequestID  string
	RemoteAddr string
	UserAgent  string
}

type Enqueuer interface {
	Enqueue(ctx context.Context, req domain.BuildRequest) (domain.BuildRequest, bool, error)
}

type Targets interface {
	Target(name string) (config.Target, bool)
	TargetForRef(ref string) (string, bool)
}

type Publisher interface {
	Publish(ctx context.Context, ev status.Event) status.Event
}

type Options struct {
	Verifier  webhook.Verifier
	Targets   Targets
	Scheduler Enqueuer
	Reporter  Publisher
	Logger    *slog.Logger
	Now       func() time.Time
}

type Receiver struct {
	verifier  webhook.Verifier
	targets   Targets
	scheduler Enqueuer
	reporter  Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func New(opts Options) (*Receiver, error) {
	if opts.Targets == nil {
		return nil, errors.New("targets are required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Receiver{
		verifier:  opts.Verifier,
		targets:   opts.Targets,
		scheduler: opts.Scheduler,
		reporter:  opts.Reporter,
		logger:    opts.Logger,
		now:       opts.Now,
	}, nil
}

// Accept authenticates d, maps it to a target and enqueues a build. A
// redelivery of the same revision and target returns the existing request
// with created=false. Rejections wrap domain.ErrAuthentication or
// domain.ErrValidation and are published as event.rejected; an enqueue that
// fails for any other reason is published the same way with reason internal.
func (r *Receiver) Accept(ctx context.Context, d Delivery) (domain.BuildRequest, bool, error) {
	if d.Header == nil {
		d.Header = http.Header{}
	}
	if err := r.verifier.Verify(d.Scheme, d.Method, d.Header, d.Body); err != nil {
		r.reject(ctx, d, webhook.Change{}, err)
		return domain.BuildRequest{}, false, err
	}
	change, err := webhook.Parse(d.Scheme, d.Header, d.Body)
	if err != nil {
		r.reject(ctx, d, change, err)
		return domain.BuildRequest{}, false, err
	}

	target, err := r.resolveTarget(change)
	if err != nil {
		r.reject(ctx, d, change, err)
		return domain.BuildRequest{}, false, err
	}

	req := domain.BuildRequest{
		Revision:   change.Revision,
		Target:     target,
		Ref:        change.Ref,
		Repository: change.Repository,
		Sender:     change.Sender,
		EnqueuedAt: r.now(),
	}
	stored, created, err := r.scheduler.Enqueue(ctx, req)
	if err != nil {
		change.Target = target
		if errors.Is(err, domain.ErrValidation) {
			r.reject(ctx, d, change, &webhook.Rejection{Reason: "invalid_request", Err: domain.ErrValidation, Detail: err.Error()})
		} else {
			r.reject(ctx, d, change, err)
		}
		return domain.BuildRequest{}, false, err
	}
	r.logger.Info("change accepted",
		"scheme", d.Scheme,
		"delivery_id", change.DeliveryID,
		"request_id", d.RequestID,
		"build_id", stored.ID,
		"target", stored.Target,
		"revision", stored.Revision,
		"created", created,
	)
	return stored, created, nil
}

// Ping authenticates a delivery that carries no change, such as the GitHub
// ping sent when a webhook is created.
func (r *Receiver) Ping(ctx context.Context, d Delivery) error {
	if d.Header == nil {
		d.Header = http.Header{}
	}
	if err := r.verifier.Verify(d.Scheme, d.Method, d.Header, d.Body); err != nil {
		r.reject(ctx, d, webhook.Change{}, err)
		return err
	}
	r.logger.Info("webhook ping", "scheme", d.Scheme, "delivery_id", d.Header.Get(webhook.HeaderGitHubDelivery))
	return nil
}

func (r *Receiver) resolveTarget(c webhook.Change) (string, error) {
	if c.Target != "" {
		if _, ok := r.targets.Target(c.Target); !ok {
			return "", &webhook.Rejection{Reason: "unknown_target", Err: domain.ErrValidation, Detail: c.Target}
		}
		return c.Target, nil
	}
	target, ok := r.targets.TargetForRef(c.Ref)
	if !ok {
		return "", &webhook.Rejection{Reason: "unknown_target", Err: domain.ErrValidation, Detail: fmt.Sprintf("no target for ref %s", c.Ref)}
	}
	return target, nil
}

func (r *Receiver) reject(ctx context.Context, d Delivery, c webhook.Change, err error) {
	reason := webhook.ReasonOf(err)
	sum := sha256.Sum256(d.Body)
	attrs := map[string]string{
		"reason":         reason,
		"scheme":         string(d.Scheme),
		"payload_sha256": hex.EncodeToString(sum[:]),
	}
	setIf := func(k, v string) {
		if v = strings.TrimSpace(v); v != "" {
			attrs[k] = v
		}
	}
	setIf("delivery_id", firstNonEmpty(c.DeliveryID, d.Header.Get(webhook.HeaderGitHubDelivery)))
	setIf("request_id", d.RequestID)
	setIf("remote_addr", d.RemoteAddr)
	setIf("user_agent", d.UserAgent)
	setIf("ref", c.Ref)

	r.logger.Warn("change rejected",
		"scheme", d.Scheme,
		"reason", reason,
		"request_id", d.RequestID,
		"remote_addr", d.RemoteAddr,
		"error", err,
	)
	if r.reporter == nil {
		return
	}
	r.reporter.Publish(ctx, status.Event{
		Kind:     status.KindEventRejected,
		Target:   c.Target,
		Revision: c.Revision,
		Status:   "REJECTED",
		Message:  reason,
		Error:    err.Error(),
		Attrs:    attrs,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
