package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/animus-labs/conveyor/internal/domain"
)

// Store is a key-value secret backend. Implementations return errors wrapping
// domain.ErrSecretNotFound or domain.ErrAccessDenied.
type Store interface {
	Kind() string
	Get(ctx context.Context, target string, name string) ([]byte, error)
}

// Policy lists the secrets each target may read.
type Policy interface {
	AllowedSecrets(target string) map[string]struct{}
}

type Resolver struct {
	store    Store
	policy   Policy
	redactor *Redactor
	logger   *slog.Logger
}

func NewResolver(store Store, policy Policy, redactor *Redactor, logger *slog.Logger) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("secret store is required")
	}
	if redactor == nil {
		redactor = NewRedactor()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{store: store, policy: policy, redactor: redactor, logger: logger}, nil
}

func (r *Resolver) Redactor() *Redactor {
	return r.redactor
}

// Resolve fetches every ref for one build. Either all refs resolve and a live
// Scope is returned, or nothing is: values fetched before a failure are wiped.
func (r *Resolver) Resolve(ctx context.Context, buildID string, target string, refs []domain.SecretRef) (*Scope, error) {
	if strings.TrimSpace(buildID) == "" {
		return nil, fmt.Errorf("%w: build id is required", domain.ErrValidation)
	}
	if err := validateRefs(refs); err != nil {
		return nil, err
	}

	var allowed map[string]struct{}
	if r.policy != nil {
		allowed = r.policy.AllowedSecrets(target)
	}

	entries := make([]entry, 0, len(refs))
	fail := func(err error) (*Scope, error) {
		for i := range entries {
			wipe(entries[i].value)
		}
		r.logger.Warn("secret resolution failed",
			"build_id", buildID,
			"target", target,
			"backend", r.store.Kind(),
			"error", err,
		)
		return nil, err
	}

	for _, ref := range refs {
		if r.policy != nil {
			if _, ok := allowed[ref.Name]; !ok {
				return fail(fmt.Errorf("%w: %s is not granted to target %s", domain.ErrAccessDenied, ref.Name, target))
			}
		}
		value, err := r.store.Get(ctx, target, ref.Name)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrSecretNotFound), errors.Is(err, domain.ErrAccessDenied):
				return fail(err)
			default:
				return fail(fmt.Errorf("fetch secret %s: %w", ref.Name, err))
			}
		}
		owned := make([]byte, len(value))
		copy(owned, value)
		entries = append(entries, entry{ref: ref, value: owned})
	}

	r.logger.Info("secrets resolved",
		"build_id", buildID,
		"target", target,
		"backend", r.store.Kind(),
		"count", len(entries),
	)
	return newScope(buildID, entries, r.redactor), nil
}

func validateRefs(refs []domain.SecretRef) error {
	seenEnv := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if err := ref.Validate(); err != nil {
			return err
		}
		if _, dup := seenEnv[ref.EnvVar]; dup {
			return fmt.Errorf("%w: env var %s requested twice", domain.ErrValidation, ref.EnvVar)
		}
		seenEnv[ref.EnvVar] = struct{}{}
	}
	return nil
}
