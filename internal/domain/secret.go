package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// SecretRef names a secret and the environment variable it is exposed as
// inside a build's execution scope.
type SecretRef struct {
	Name   string `json:"name" yaml:"name"`
	EnvVar string `json:"env" yaml:"env"`
}

var envVarPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (r SecretRef) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: secret name is required", ErrValidation)
	}
	if !envVarPattern.MatchString(r.EnvVar) {
		return fmt.Errorf("%w: secret %q env var %q is not a valid identifier", ErrValidation, r.Name, r.EnvVar)
	}
	return nil
}
