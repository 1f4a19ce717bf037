// Package webhook authenticates and decodes inbound change notifications.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/animus-labs/conveyor/internal/domain"
)

type Scheme string

const (
	SchemeGitHub Scheme = "github"
	SchemeCI     Scheme = "ci"
)

// Change is a decoded notification. Target is only set by schemes that name
// it explicitly; otherwise it is derived from Ref.
type Change struct {
	Scheme     Scheme
	DeliveryID string
	Revision   string
	Ref        string
	Repository string
	Sender     string
	Target     string
}

// Rejection pairs a stable reason code with the sentinel the caller maps to
// a response.
type Rejection struct {
	Reason string
	Err    error
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("%v: %s", r.Err, r.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", r.Err, r.Reason, r.Detail)
}

func (r *Rejection) Unwrap() error { return r.Err }

func authFailure(reason string, detail error) error {
	r := &Rejection{Reason: reason, Err: domain.ErrAuthentication}
	if detail != nil {
		r.Detail = detail.Error()
	}
	return r
}

func invalid(reason string, detail string) error {
	return &Rejection{Reason: reason, Err: domain.ErrValidation, Detail: detail}
}

// ReasonOf returns the rejection reason for err, or "internal".
func ReasonOf(err error) string {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason
	}
	return "internal"
}

type Verifier struct {
	GitHubSecret string
	CISecret     string
	MaxSkew      time.Duration
	Now          func() time.Time
}

func (v Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now().UTC()
	}
	return time.Now().UTC()
}

// Verify authenticates a delivery. All failures wrap domain.ErrAuthentication.
func (v Verifier) Verify(scheme Scheme, method string, header http.Header, body []byte) error {
	switch scheme {
	case SchemeGitHub:
		if strings.TrimSpace(v.GitHubSecret) == "" {
			return authFailure("webhook_secret_unset", nil)
		}
		sig := strings.TrimSpace(header.Get(HeaderGitHubSignature))
		if sig == "" {
			return authFailure("missing_signature", nil)
		}
		if err := VerifyGitHubSignature(v.GitHubSecret, body, sig); err != nil {
			return authFailure("invalid_signature", err)
		}
		return nil
	case SchemeCI:
		if strings.TrimSpace(v.CISecret) == "" {
			return authFailure("webhook_secret_unset", nil)
		}
		ts := strings.TrimSpace(header.Get(HeaderCITimestamp))
		sig := strings.TrimSpace(header.Get(HeaderCISignature))
		if ts == "" || sig == "" {
			return authFailure("missing_signature", nil)
		}
		skew := v.MaxSkew
		if skew <= 0 {
			skew = DefaultMaxSkew
		}
		if err := verifyCITimestamp(ts, v.now(), skew); err != nil {
			return authFailure("invalid_signature_timestamp", err)
		}
		if err := VerifyCISignature(v.CISecret, ts, method, body, sig); err != nil {
			return authFailure("invalid_signature", err)
		}
		return nil
	default:
		return invalid("unsupported_scheme", string(scheme))
	}
}

var revisionPattern = regexp.MustCompile(`^[0-9A-Za-z._-]{1,128}$`)

type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

type ciPayload struct {
	Revision   string `json:"revision"`
	Target     string `json:"target"`
	Ref        string `json:"ref"`
	Repository string `json:"repository"`
	Sender     string `json:"sender"`
}

// Parse decodes an authenticated body. All failures wrap domain.ErrValidation.
func Parse(scheme Scheme, header http.Header, body []byte) (Change, error) {
	switch scheme {
	case SchemeGitHub:
		return parsePush(header, body)
	case SchemeCI:
		return parseCI(body)
	default:
		return Change{}, invalid("unsupported_scheme", string(scheme))
	}
}

func parsePush(header http.Header, body []byte) (Change, error) {
	if event := strings.TrimSpace(header.Get(HeaderGitHubEvent)); event != "" && event != "push" {
		return Change{}, invalid("unsupported_event", event)
	}
	var p pushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Change{}, invalid("invalid_json", err.Error())
	}
	ref := strings.TrimSpace(p.Ref)
	if ref == "" {
		return Change{}, invalid("ref_required", "")
	}
	rev := strings.TrimSpace(p.After)
	if p.Deleted || (rev != "" && isZeroRevision(rev)) {
		return Change{}, invalid("branch_deleted", ref)
	}
	if err := checkRevision(rev); err != nil {
		return Change{}, err
	}
	return Change{
		Scheme:     SchemeGitHub,
		DeliveryID: strings.TrimSpace(header.Get(HeaderGitHubDelivery)),
		Revision:   rev,
		Ref:        ref,
		Repository: strings.TrimSpace(p.Repository.FullName),
		Sender:     strings.TrimSpace(p.Sender.Login),
	}, nil
}

func parseCI(body []byte) (Change, error) {
	var p ciPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Change{}, invalid("invalid_json", err.Error())
	}
	rev := strings.TrimSpace(p.Revision)
	if err := checkRevision(rev); err != nil {
		return Change{}, err
	}
	target := strings.TrimSpace(p.Target)
	ref := strings.TrimSpace(p.Ref)
	if target == "" && ref == "" {
		return Change{}, invalid("target_required", "")
	}
	return Change{
		Scheme:     SchemeCI,
		Revision:   rev,
		Ref:        ref,
		Repository: strings.TrimSpace(p.Repository),
		Sender:     strings.TrimSpace(p.Sender),
		Target:     target,
	}, nil
}

func checkRevision(rev string) error {
	if rev == "" {
		return invalid("revision_required", "")
	}
	if !revisionPattern.MatchString(rev) {
		return invalid("invalid_revision", rev)
	}
	return nil
}

func isZeroRevision(rev string) bool {
	return strings.Trim(rev, "0") == ""
}
