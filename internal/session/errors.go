package session

import (
	"errors"
	"strings"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrSuperseded means the session changed while a request was in flight
	// and its response was discarded.
	ErrSuperseded   = errors.New("session changed during request")
	ErrDeleteFailed = errors.New("account deletion was not acknowledged")
)

// AuthError is a failed login or registration, or a token the backend no
// longer accepts.
type AuthError struct {
	Messages []string
	Err      error
}

func (e *AuthError) Error() string {
	if len(e.Messages) == 0 {
		return "authentication failed"
	}
	return strings.Join(e.Messages, "; ")
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
