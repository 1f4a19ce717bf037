package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Headers a fronting proxy sets after it has authenticated an operator. The
// signature binds them to one request so they cannot be replayed elsewhere.
const (
	HeaderOperator      = "X-Conveyor-Operator"
	HeaderOperatorEmail = "X-Conveyor-Operator-Email"
	HeaderOperatorRoles = "X-Conveyor-Operator-Roles"
	HeaderOperatorTs    = "X-Conveyor-Operator-Ts"
	HeaderOperatorSig   = "X-Conveyor-Operator-Sig"

	operatorSigVersion = "conveyor.operator.v1"
)

// OperatorAssertion is what a proxy vouches for: who made which request, when.
type OperatorAssertion struct {
	Timestamp string
	Method    string
	Path      string
	RequestID string
	Identity  Identity
}

func (a OperatorAssertion) canonical() string {
	roles := parseCSV(strings.Join(a.Identity.Roles, ","))
	return strings.Join([]string{
		operatorSigVersion,
		strings.TrimSpace(a.Timestamp),
		strings.ToUpper(strings.TrimSpace(a.Method)),
		strings.TrimSpace(a.Path),
		strings.TrimSpace(a.RequestID),
		strings.TrimSpace(a.Identity.Subject),
		strings.TrimSpace(a.Identity.Email),
		strings.Join(roles, ","),
	}, "\n")
}

// SignOperatorAssertion returns the X-Conveyor-Operator-Sig value for a.
func SignOperatorAssertion(secret string, a OperatorAssertion) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("operator auth secret is required")
	}
	if strings.TrimSpace(a.Timestamp) == "" {
		return "", errors.New("timestamp is required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(a.canonical())); err != nil {
		return "", fmt.Errorf("hmac: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func VerifyOperatorAssertion(secret string, a OperatorAssertion, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return errors.New("signature is required")
	}
	expected, err := SignOperatorAssertion(secret, a)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("invalid signature")
	}
	return nil
}

// VerifyTimestamp checks a unix-seconds timestamp against now. A non-positive
// maxSkew disables the window check.
func VerifyTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return errors.New("timestamp is required")
	}
	parsed, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	at := time.Unix(parsed, 0).UTC()
	if at.After(now.Add(maxSkew)) || at.Before(now.Add(-maxSkew)) {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}

// OperatorHeadersAuthenticator trusts identities asserted by a proxy that
// shares CONVEYOR_INTERNAL_AUTH_SECRET with the deployer.
type OperatorHeadersAuthenticator struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

func NewOperatorHeadersAuthenticator(secret string) (*OperatorHeadersAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("CONVEYOR_INTERNAL_AUTH_SECRET is required")
	}
	return &OperatorHeadersAuthenticator{Secret: secret, MaxSkew: 5 * time.Minute}, nil
}

func (a *OperatorHeadersAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	identity := Identity{
		Subject: strings.TrimSpace(r.Header.Get(HeaderOperator)),
		Email:   strings.TrimSpace(r.Header.Get(HeaderOperatorEmail)),
		Roles:   parseCSV(r.Header.Get(HeaderOperatorRoles)),
	}
	ts := strings.TrimSpace(r.Header.Get(HeaderOperatorTs))
	sig := strings.TrimSpace(r.Header.Get(HeaderOperatorSig))
	if identity.Subject == "" || ts == "" || sig == "" {
		return Identity{}, ErrUnauthenticated
	}

	now := time.Now().UTC()
	if a.Now != nil {
		now = a.Now()
	}
	if err := VerifyTimestamp(ts, now, a.MaxSkew); err != nil {
		return Identity{}, err
	}
	err := VerifyOperatorAssertion(a.Secret, OperatorAssertion{
		Timestamp: ts,
		Method:    r.Method,
		Path:      r.URL.Path,
		RequestID: r.Header.Get("X-Request-Id"),
		Identity:  identity,
	}, sig)
	if err != nil {
		return Identity{}, err
	}
	return identity, nil
}
