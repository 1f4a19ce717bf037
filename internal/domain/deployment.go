package domain

import "time"

// RolloutState tracks a single Deployment.
type RolloutState string

const (
	RolloutPending    RolloutState = "PENDING"
	RolloutRollingOut RolloutState = "ROLLING_OUT"
	RolloutLive       RolloutState = "LIVE"
	RolloutRolledBack RolloutState = "ROLLED_BACK"
)

func CanTransitionRollout(current, next RolloutState) bool {
	switch current {
	case RolloutPending:
		return next == RolloutRollingOut || next == RolloutRolledBack
	case RolloutRollingOut:
		return next == RolloutLive || next == RolloutRolledBack
	case RolloutLive:
		return next == RolloutRolledBack
	case RolloutRolledBack:
		// explicit rollback re-activates an older deployment
		return next == RolloutLive
	default:
		return false
	}
}

// Artifact is the output of a build that a platform knows how to run.
type Artifact struct {
	Target   string `json:"target"`
	Revision string `json:"revision"`
	Ref      string `json:"ref"`
	Digest   string `json:"digest,omitempty"`
}

type Deployment struct {
	ID             string            `json:"deployment_id"`
	VersionID      string            `json:"version_id"`
	Target         string            `json:"target"`
	PriorVersionID string            `json:"prior_version_id,omitempty"`
	BuildID        string            `json:"build_id,omitempty"`
	Artifact       Artifact          `json:"artifact"`
	Handle         map[string]string `json:"handle,omitempty"`
	State          RolloutState      `json:"state"`
	Superseded     bool              `json:"superseded"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
