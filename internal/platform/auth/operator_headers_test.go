package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

const operatorSecret = "proxy-shared-secret"

func rollbackAssertion(ts string) OperatorAssertion {
	return OperatorAssertion{
		Timestamp: ts,
		Method:    http.MethodPost,
		Path:      "/targets/prod/rollback",
		RequestID: "rid-1",
		Identity:  Identity{Subject: "alice", Email: "alice@example.test", Roles: []string{"Deployer", "viewer"}},
	}
}

func TestOperatorAssertion_SignAndVerify(t *testing.T) {
	a := rollbackAssertion("1700000000")
	sig, err := SignOperatorAssertion(operatorSecret, a)
	if err != nil {
		t.Fatalf("SignOperatorAssertion() err=%v", err)
	}
	if err := VerifyOperatorAssertion(operatorSecret, a, sig); err != nil {
		t.Fatalf("VerifyOperatorAssertion() err=%v", err)
	}

	other := a
	other.Path = "/targets/staging/rollback"
	if err := VerifyOperatorAssertion(operatorSecret, other, sig); err == nil {
		t.Fatalf("signature for prod should not cover staging")
	}
	escalated := a
	escalated.Identity.Roles = []string{"admin"}
	if err := VerifyOperatorAssertion(operatorSecret, escalated, sig); err == nil {
		t.Fatalf("signature should not cover changed roles")
	}
	if _, err := SignOperatorAssertion("", a); err == nil {
		t.Fatalf("SignOperatorAssertion() without secret should fail")
	}
}

func TestVerifyTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	if err := VerifyTimestamp("1700000100", now, 5*time.Minute); err != nil {
		t.Fatalf("VerifyTimestamp(in window) err=%v", err)
	}
	if err := VerifyTimestamp("1690000000", now, 5*time.Minute); err == nil {
		t.Fatalf("VerifyTimestamp(stale) should fail")
	}
	if err := VerifyTimestamp("yesterday", now, 5*time.Minute); err == nil {
		t.Fatalf("VerifyTimestamp(non-numeric) should fail")
	}
	if err := VerifyTimestamp("1", now, 0); err != nil {
		t.Fatalf("VerifyTimestamp(no window) err=%v", err)
	}
}

func TestOperatorHeadersAuthenticator(t *testing.T) {
	authn, err := NewOperatorHeadersAuthenticator(operatorSecret)
	if err != nil {
		t.Fatalf("NewOperatorHeadersAuthenticator() err=%v", err)
	}

	ts := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	a := rollbackAssertion(ts)
	sig, err := SignOperatorAssertion(operatorSecret, a)
	if err != nil {
		t.Fatalf("SignOperatorAssertion() err=%v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "http://conveyor.test/targets/prod/rollback", nil)
	req.Header.Set("X-Request-Id", "rid-1")
	req.Header.Set(HeaderOperator, "alice")
	req.Header.Set(HeaderOperatorEmail, "alice@example.test")
	req.Header.Set(HeaderOperatorRoles, "deployer, viewer")
	req.Header.Set(HeaderOperatorTs, ts)
	req.Header.Set(HeaderOperatorSig, sig)

	identity, err := authn.Authenticate(context.Background(), req)
	if err != nil {
		t.Fatalf("Authenticate() err=%v", err)
	}
	if identity.Actor() != "alice" || !identity.Can(RoleDeployer) || identity.Can(RoleAdmin) {
		t.Fatalf("identity=%+v, want alice as deployer", identity)
	}

	req.Header.Del(HeaderOperatorSig)
	if _, err := authn.Authenticate(context.Background(), req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Authenticate(unsigned) err=%v, want ErrUnauthenticated", err)
	}
}

func TestNewOperatorHeadersAuthenticator_RequiresSecret(t *testing.T) {
	if _, err := NewOperatorHeadersAuthenticator(" "); err == nil {
		t.Fatalf("NewOperatorHeadersAuthenticator() should require a secret")
	}
}
