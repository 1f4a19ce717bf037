package auditlog

import (
	"context"
	"database/sql"
	"net"
	"strings"

	"github.com/animus-labs/conveyor/internal/platform/auth"
)

// InsertAuthDeny records a refused operator request against the build or
// target it tried to reach.
func InsertAuthDeny(ctx context.Context, db *sql.DB, service string, event auth.DenyEvent) error {
	identity := auth.Identity{Subject: event.Subject, Email: event.Email, Roles: event.Roles}

	var ip net.IP
	if host, _, err := net.SplitHostPort(event.RemoteAddr); err == nil {
		ip = net.ParseIP(host)
	}

	resourceType, resourceID := deniedResource(event.Path)
	_, err := Insert(ctx, db, Event{
		OccurredAt:   event.Time,
		Actor:        identity.Actor(),
		Action:       "auth." + strings.TrimSpace(event.Reason),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    event.RequestID,
		IP:           ip,
		UserAgent:    event.UserAgent,
		Payload: map[string]any{
			"service": service,
			"route":   event.Method + " " + event.Path,
			"status":  event.Status,
			"reason":  event.Reason,
			"error":   event.Error,
			"roles":   event.Roles,
		},
	})
	return err
}

// deniedResource maps /targets/{name}/... and /builds/{id}/... to the resource
// they address; anything else is recorded by path.
func deniedResource(path string) (string, string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && parts[1] != "" {
		switch parts[0] {
		case "targets":
			return "target", parts[1]
		case "builds":
			return "build", parts[1]
		}
	}
	return "route", path
}
