package secrets

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/animus-labs/conveyor/internal/domain"
)

type staticPolicy map[string]map[string]struct{}

func (p staticPolicy) AllowedSecrets(target string) map[string]struct{} {
	return p[target]
}

func grant(target string, names ...string) staticPolicy {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return staticPolicy{target: set}
}

type failingStore struct {
	err error
}

func (s failingStore) Kind() string { return "failing" }

func (s failingStore) Get(ctx context.Context, target string, name string) ([]byte, error) {
	return nil, s.err
}

func newTestResolver(t *testing.T, store Store, policy Policy) *Resolver {
	t.Helper()
	r, err := NewResolver(store, policy, nil, nil)
	if err != nil {
		t.Fatalf("NewResolver() err=%v", err)
	}
	return r
}

var prodRefs = []domain.SecretRef{
	{Name: "db-password", EnvVar: "DB_PASSWORD"},
	{Name: "api-key", EnvVar: "API_KEY"},
}

func TestResolve_AllSecretsPresent(t *testing.T) {
	store := NewMemoryStore()
	store.Put("db-password", "hunter2")
	store.Put("api-key", "k-123")
	r := newTestResolver(t, store, grant("prod", "db-password", "api-key"))

	scope, err := r.Resolve(context.Background(), "b1", "prod", prodRefs)
	if err != nil {
		t.Fatalf("Resolve() err=%v", err)
	}
	defer scope.Release()

	if v, ok := scope.Lookup("DB_PASSWORD"); !ok || v != "hunter2" {
		t.Fatalf("Lookup(DB_PASSWORD)=%q,%v", v, ok)
	}
	env := scope.Env()
	if len(env) != 2 || env[0] != "DB_PASSWORD=hunter2" || env[1] != "API_KEY=k-123" {
		t.Fatalf("Env()=%v", env)
	}
	presence := scope.Presence()
	if !presence["DB_PASSWORD"] || !presence["API_KEY"] {
		t.Fatalf("Presence()=%v, want both loaded", presence)
	}
	if got := r.Redactor().Active(); got != 1 {
		t.Fatalf("Active()=%d, want 1", got)
	}
}

func TestResolve_MissingSecretIsAllOrNothing(t *testing.T) {
	store := NewMemoryStore()
	store.Put("db-password", "hunter2")
	r := newTestResolver(t, store, grant("prod", "db-password", "api-key"))

	scope, err := r.Resolve(context.Background(), "b1", "prod", prodRefs)
	if !errors.Is(err, domain.ErrSecretNotFound) {
		t.Fatalf("Resolve() err=%v, want ErrSecretNotFound", err)
	}
	if scope != nil {
		t.Fatalf("Resolve() scope=%v, want nil", scope)
	}
	if got := r.Redactor().Active(); got != 0 {
		t.Fatalf("Active()=%d, want 0 after failed resolve", got)
	}
}

func TestResolve_PolicyDenied(t *testing.T) {
	store := NewMemoryStore()
	store.Put("db-password", "hunter2")
	store.Put("api-key", "k-123")
	r := newTestResolver(t, store, grant("prod", "db-password"))

	_, err := r.Resolve(context.Background(), "b1", "prod", prodRefs)
	if !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("Resolve() err=%v, want ErrAccessDenied", err)
	}
}

func TestResolve_StoreDenied(t *testing.T) {
	store := NewMemoryStore()
	store.Put("db-password", "hunter2")
	store.Deny("staging", "db-password")
	r := newTestResolver(t, store, nil)

	_, err := r.Resolve(context.Background(), "b1", "staging", prodRefs[:1])
	if !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("Resolve() err=%v, want ErrAccessDenied", err)
	}
}

func TestResolve_BackendErrorIsWrapped(t *testing.T) {
	r := newTestResolver(t, failingStore{err: errors.New("connection refused")}, nil)

	_, err := r.Resolve(context.Background(), "b1", "prod", prodRefs[:1])
	if err == nil || !strings.Contains(err.Error(), "fetch secret db-password") {
		t.Fatalf("Resolve() err=%v", err)
	}
}

func TestResolve_RejectsDuplicateEnvVar(t *testing.T) {
	r := newTestResolver(t, NewMemoryStore(), nil)
	refs := []domain.SecretRef{
		{Name: "a", EnvVar: "TOKEN"},
		{Name: "b", EnvVar: "TOKEN"},
	}
	if _, err := r.Resolve(context.Background(), "b1", "prod", refs); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Resolve() err=%v, want ErrValidation", err)
	}
}

func TestResolve_NoRefsYieldsEmptyScope(t *testing.T) {
	r := newTestResolver(t, NewMemoryStore(), nil)
	scope, err := r.Resolve(context.Background(), "b1", "prod", nil)
	if err != nil {
		t.Fatalf("Resolve() err=%v", err)
	}
	if len(scope.Env()) != 0 {
		t.Fatalf("Env()=%v, want empty", scope.Env())
	}
	scope.Release()
}

func TestScopeRelease_WipesAndUnregisters(t *testing.T) {
	store := NewMemoryStore()
	store.Put("db-password", "hunter2")
	r := newTestResolver(t, store, nil)

	scope, err := r.Resolve(context.Background(), "b1", "prod", prodRefs[:1])
	if err != nil {
		t.Fatalf("Resolve() err=%v", err)
	}
	held := scope.entries[0].value

	scope.Release()
	scope.Release()

	if !scope.Released() {
		t.Fatalf("Released()=false")
	}
	if !bytes.Equal(held, make([]byte, len(held))) {
		t.Fatalf("value buffer not zeroed: %q", held)
	}
	if scope.Env() != nil {
		t.Fatalf("Env() after release=%v, want nil", scope.Env())
	}
	if _, ok := scope.Lookup("DB_PASSWORD"); ok {
		t.Fatalf("Lookup() after release should fail")
	}
	if scope.Presence()["DB_PASSWORD"] {
		t.Fatalf("Presence() after release should report not loaded")
	}
	if got := r.Redactor().Active(); got != 0 {
		t.Fatalf("Active()=%d, want 0", got)
	}
}

func TestScopeIsolation(t *testing.T) {
	store := NewMemoryStore()
	store.Put("db-password", "hunter2")
	r := newTestResolver(t, store, nil)

	a, err := r.Resolve(context.Background(), "b1", "prod", prodRefs[:1])
	if err != nil {
		t.Fatalf("Resolve(a) err=%v", err)
	}
	b, err := r.Resolve(context.Background(), "b2", "staging", prodRefs[:1])
	if err != nil {
		t.Fatalf("Resolve(b) err=%v", err)
	}
	a.Release()

	if v, ok := b.Lookup("DB_PASSWORD"); !ok || v != "hunter2" {
		t.Fatalf("scope b affected by release of a: %q,%v", v, ok)
	}
	b.Release()
}
