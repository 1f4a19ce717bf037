package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

// Operator roles, lowest first. Viewers read builds, targets and events.
// Deployers also cancel builds and roll targets back. Admins pass every check.
const (
	RoleViewer   = "viewer"
	RoleDeployer = "deployer"
	RoleAdmin    = "admin"
)

var roleLevels = map[string]int{
	RoleViewer:   1,
	RoleDeployer: 2,
	RoleAdmin:    3,
}

func HasAtLeast(roles []string, required string) bool {
	requiredLevel := roleLevels[strings.ToLower(required)]
	if requiredLevel == 0 {
		return false
	}
	maxLevel := 0
	for _, role := range roles {
		if level := roleLevels[strings.ToLower(strings.TrimSpace(role))]; level > maxLevel {
			maxLevel = level
		}
	}
	return maxLevel >= requiredLevel
}

// RequiredRoleForRequest maps a deployer API call to the least role allowed
// to make it. Writes other than cancel and rollback are admin only.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	case http.MethodPost:
		if isOperatorAction(r.URL.Path) {
			return RoleDeployer
		}
	}
	return RoleAdmin
}

// isOperatorAction matches /builds/{id}/cancel and /targets/{name}/rollback.
func isOperatorAction(path string) bool {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[1] == "" {
		return false
	}
	return (parts[0] == "builds" && parts[2] == "cancel") ||
		(parts[0] == "targets" && parts[2] == "rollback")
}
