package status

import (
	"time"

	"github.com/animus-labs/conveyor/internal/domain"
)

type Kind string

const (
	KindEventRejected    Kind = "event.rejected"
	KindBuildQueued      Kind = "build.queued"
	KindBuildActive      Kind = "build.active"
	KindBuildSucceeded   Kind = "build.succeeded"
	KindBuildFailed      Kind = "build.failed"
	KindBuildCanceled    Kind = "build.canceled"
	KindDeployRollingOut Kind = "deploy.rolling_out"
	KindDeployLive       Kind = "deploy.live"
	KindDeployRolledBack Kind = "deploy.rolled_back"

	KindDeployRollbackFailed Kind = "deploy.rollback_failed"
)

// Event is one observable outcome. Seq is assigned by the Reporter and is
// strictly increasing.
type Event struct {
	Seq            int64             `json:"seq"`
	ID             string            `json:"event_id"`
	Kind           Kind              `json:"kind"`
	OccurredAt     time.Time         `json:"occurred_at"`
	Target         string            `json:"target,omitempty"`
	BuildID        string            `json:"build_id,omitempty"`
	Revision       string            `json:"revision,omitempty"`
	DeploymentID   string            `json:"deployment_id,omitempty"`
	VersionID      string            `json:"version_id,omitempty"`
	PriorVersionID string            `json:"prior_version_id,omitempty"`
	Status         string            `json:"status,omitempty"`
	Message        string            `json:"message,omitempty"`
	Error          string            `json:"error,omitempty"`
	DurationMS     int64             `json:"duration_ms,omitempty"`
	Secrets        map[string]string `json:"secrets,omitempty"`
	Attrs          map[string]string `json:"attrs,omitempty"`
}

// BuildKind maps a build status to the event kind reported for it.
func BuildKind(s domain.BuildStatus) Kind {
	switch s {
	case domain.BuildQueued:
		return KindBuildQueued
	case domain.BuildActive:
		return KindBuildActive
	case domain.BuildSucceeded:
		return KindBuildSucceeded
	case domain.BuildFailed:
		return KindBuildFailed
	case domain.BuildCanceled:
		return KindBuildCanceled
	default:
		return Kind("build." + string(s))
	}
}

func RolloutKind(s domain.RolloutState) Kind {
	switch s {
	case domain.RolloutRollingOut:
		return KindDeployRollingOut
	case domain.RolloutLive:
		return KindDeployLive
	case domain.RolloutRolledBack:
		return KindDeployRolledBack
	default:
		return Kind("deploy." + string(s))
	}
}

// BuildEvent builds the event reported for a build transition.
func BuildEvent(b domain.BuildRequest) Event {
	ev := Event{
		Kind:     BuildKind(b.Status),
		Target:   b.Target,
		BuildID:  b.ID,
		Revision: b.Revision,
		Status:   string(b.Status),
		Error:    b.Error,
	}
	if b.StartedAt != nil && b.FinishedAt != nil {
		ev.DurationMS = b.FinishedAt.Sub(*b.StartedAt).Milliseconds()
	}
	return ev
}

func DeploymentEvent(d domain.Deployment) Event {
	return Event{
		Kind:           RolloutKind(d.State),
		Target:         d.Target,
		BuildID:        d.BuildID,
		Revision:       d.Artifact.Revision,
		DeploymentID:   d.ID,
		VersionID:      d.VersionID,
		PriorVersionID: d.PriorVersionID,
		Status:         string(d.State),
		Error:          d.Error,
	}
}

// RollbackFailureEvent reports an explicit rollback that left target as it
// was. current is the LIVE deployment at the time, if any.
func RollbackFailureEvent(target string, current domain.Deployment, err error) Event {
	ev := Event{
		Kind:           KindDeployRollbackFailed,
		Target:         target,
		BuildID:        current.BuildID,
		Revision:       current.Artifact.Revision,
		DeploymentID:   current.ID,
		VersionID:      current.VersionID,
		PriorVersionID: current.PriorVersionID,
		Status:         "ROLLBACK_FAILED",
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// Presence renders loaded flags the way operators read them: yes or no.
func Presence(loaded map[string]bool) map[string]string {
	if len(loaded) == 0 {
		return nil
	}
	out := make(map[string]string, len(loaded))
	for k, v := range loaded {
		if v {
			out[k] = "yes"
		} else {
			out[k] = "no"
		}
	}
	return out
}

func (e Event) redact(fn func(string) string) Event {
	e.Target = fn(e.Target)
	e.BuildID = fn(e.BuildID)
	e.Revision = fn(e.Revision)
	e.DeploymentID = fn(e.DeploymentID)
	e.VersionID = fn(e.VersionID)
	e.PriorVersionID = fn(e.PriorVersionID)
	e.Status = fn(e.Status)
	e.Message = fn(e.Message)
	e.Error = fn(e.Error)
	e.Secrets = redactMap(e.Secrets, fn)
	e.Attrs = redactMap(e.Attrs, fn)
	return e
}

func redactMap(in map[string]string, fn func(string) string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[fn(k)] = fn(v)
	}
	return out
}
