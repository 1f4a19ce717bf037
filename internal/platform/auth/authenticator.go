package auth

import (
	"context"
	"fmt"
	"net/http"
)

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// StaticAuthenticator returns the same identity for every request. It backs
// AUTH_MODE=dev and AUTH_MODE=disabled.
type StaticAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *StaticAuthenticator {
	return &StaticAuthenticator{
		identity: Identity{
			Subject: cfg.DevSubject,
			Email:   cfg.DevEmail,
			Roles:   cfg.DevRoles,
		},
	}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, nil
}

// New builds the authenticator selected by cfg.Mode.
func New(ctx context.Context, cfg Config) (Authenticator, error) {
	switch cfg.Mode {
	case ModeOIDC:
		return NewOIDCAuthenticator(ctx, cfg)
	case ModeGateway:
		return NewOperatorHeadersAuthenticator(cfg.GatewaySecret)
	case ModeDev:
		return NewDevAuthenticator(cfg), nil
	case ModeDisabled:
		return &StaticAuthenticator{identity: Identity{Subject: "anonymous", Roles: []string{RoleAdmin}}}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %q", cfg.Mode)
	}
}
