package domain

import "errors"

var (
	ErrAuthentication    = errors.New("authentication failed")
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrSecretNotFound    = errors.New("secret not found")
	ErrAccessDenied      = errors.New("secret access denied")
	ErrRollout           = errors.New("rollout failed")
	ErrNoPriorVersion    = errors.New("no prior version")
	ErrInvalidTransition = errors.New("invalid state transition")
)
