package constants

import "errors"

// Authentication errors
var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrCredentialMismatch     = errors.New("credential mismatch")
	ErrPrincipalNotFound      = errors.New("principal not found")
)

// Request errors
var (
	ErrMalformedInput     = errors.New("malformed input")
	ErrLifecycleViolation = errors.New("event not allowed in current server state")
	ErrKindNotFound       = errors.New("kind not found")
	ErrEntityNotFound     = errors.New("entity not found")
	ErrInvalidTransition  = errors.New("invalid server state transition")
	ErrConnectionClosed   = errors.New("connection closed")
)
