package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/animus-labs/conveyor/internal/platform/auth"
)

const (
	HeaderGitHubSignature = "X-Hub-Signature-256"
	HeaderGitHubEvent     = "X-GitHub-Event"
	HeaderGitHubDelivery  = "X-GitHub-Delivery"
	HeaderCITimestamp     = "X-Conveyor-CI-Ts"
	HeaderCISignature     = "X-Conveyor-CI-Sig"

	DefaultMaxSkew = 5 * time.Minute
)

// VerifyGitHubSignature checks "sha256=<hex hmac(body)>".
func VerifyGitHubSignature(secret string, body []byte, header string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return errors.New("webhook secret is required")
	}
	header = strings.TrimSpace(header)
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return errors.New("signature must use sha256")
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return errors.New("invalid signature encoding")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return errors.New("invalid signature")
	}
	return nil
}

func ComputeGitHubSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(secret)))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyCISignature checks base64url(HMAC-SHA256(ts \n METHOD \n hex(sha256(body)))).
func VerifyCISignature(secret string, ts string, method string, body []byte, signature string) error {
	expected, err := ComputeCIMAC(secret, ts, method, body)
	if err != nil {
		return err
	}
	got, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return errors.New("invalid signature encoding")
	}
	if !hmac.Equal(expected, got) {
		return errors.New("invalid signature")
	}
	return nil
}

func ComputeCIMAC(secret string, ts string, method string, body []byte) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return nil, errors.New("timestamp is required")
	}

	sum := sha256.Sum256(body)
	msg := strings.Join([]string{
		ts,
		strings.ToUpper(strings.TrimSpace(method)),
		hex.EncodeToString(sum[:]),
	}, "\n")

	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(msg)); err != nil {
		return nil, err
	}
	return mac.Sum(nil), nil
}

// ComputeCISignature returns the header value a CI sender puts in X-Conveyor-CI-Sig.
func ComputeCISignature(secret string, ts string, method string, body []byte) (string, error) {
	mac, err := ComputeCIMAC(secret, ts, method, body)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(mac), nil
}

func verifyCITimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	return auth.VerifyTimestamp(ts, now, maxSkew)
}
