package domain

import (
	"errors"
	"strings"
	"time"
)

// BuildStatus is the scheduler-owned lifecycle of a BuildRequest.
type BuildStatus string

const (
	BuildQueued    BuildStatus = "QUEUED"
	BuildActive    BuildStatus = "ACTIVE"
	BuildSucceeded BuildStatus = "SUCCEEDED"
	BuildFailed    BuildStatus = "FAILED"
	BuildCanceled  BuildStatus = "CANCELED"
)

func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildSucceeded, BuildFailed, BuildCanceled:
		return true
	default:
		return false
	}
}

// CanTransitionBuild enforces QUEUED -> ACTIVE -> terminal, with QUEUED -> CANCELED.
func CanTransitionBuild(current, next BuildStatus) bool {
	switch current {
	case BuildQueued:
		return next == BuildActive || next == BuildCanceled
	case BuildActive:
		return next.Terminal()
	default:
		return false
	}
}

type BuildRequest struct {
	ID         string      `json:"build_id"`
	Revision   string      `json:"revision"`
	Target     string      `json:"target"`
	Ref        string      `json:"ref,omitempty"`
	Repository string      `json:"repository,omitempty"`
	Sender     string      `json:"sender,omitempty"`
	Status     BuildStatus `json:"status"`
	Error      string      `json:"error,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// DedupKey identifies repeated deliveries of the same change.
func (b BuildRequest) DedupKey() string {
	return DedupKey(b.Revision, b.Target)
}

func DedupKey(revision, target string) string {
	return strings.TrimSpace(target) + "@" + strings.TrimSpace(revision)
}

func (b BuildRequest) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return errors.New("build id is required")
	}
	if strings.TrimSpace(b.Revision) == "" {
		return errors.New("revision is required")
	}
	if strings.TrimSpace(b.Target) == "" {
		return errors.New("target is required")
	}
	return nil
}
