package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNoCredentialAvailable = errors.New("no credential available")
	ErrRefreshFailed         = errors.New("token refresh failed")
	ErrPoolNotFound          = errors.New("pool not found")
	ErrCredentialNotFound    = errors.New("credential not found")
	ErrInvalidMutation       = errors.New("invalid mutation")
	ErrAPIKeyNotFound        = errors.New("api key not found")
	ErrInvalidAPIKey         = errors.New("invalid API key")
	ErrUsageQueryFailed      = errors.New("usage query failed")
)

// MutationError carries the reason a mutation was rejected. It matches
// ErrInvalidMutation under errors.Is.
type MutationError struct {
	Op     string
	Reason string
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("invalid mutation: %s: %s", e.Op, e.Reason)
}

func (e *MutationError) Unwrap() error {
	return ErrInvalidMutation
}

func InvalidMutation(op, format string, args ...any) error {
	return &MutationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}
