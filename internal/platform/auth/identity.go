package auth

import (
	"context"
	"strings"
)

// Identity is the operator behind a request to the deployer API.
type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

// Actor names the operator in logs and audit rows.
func (i Identity) Actor() string {
	if s := strings.TrimSpace(i.Subject); s != "" {
		return s
	}
	if e := strings.TrimSpace(i.Email); e != "" {
		return e
	}
	return "anonymous"
}

func (i Identity) Can(required string) bool {
	return HasAtLeast(i.Roles, required)
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}
