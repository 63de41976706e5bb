package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrNetwork      = errors.New("network error")
	ErrServer       = errors.New("server error")
)

// Error is the normalized failure of a backend call. Status is 0 when no
// response arrived.
type Error struct {
	Status   int
	Messages []string
	kind     error
	cause    error
}

func (e *Error) Error() string {
	if len(e.Messages) == 0 {
		return e.kind.Error()
	}
	return strings.Join(e.Messages, "; ")
}

func (e *Error) Unwrap() []error {
	if e.cause != nil {
		return []error{e.kind, e.cause}
	}
	return []error{e.kind}
}

// Messages returns the user-facing messages of err. Errors that did not come
// from the backend yield their own text.
func Messages(err error) []string {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) && len(apiErr.Messages) > 0 {
		return apiErr.Messages
	}
	return []string{err.Error()}
}

func networkError(err error) *Error {
	return &Error{Messages: []string{err.Error()}, kind: ErrNetwork, cause: err}
}

func statusError(status int, body []byte) *Error {
	return &Error{Status: status, Messages: errorMessages(status, body), kind: statusKind(status)}
}

func statusKind(status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return ErrServer
	}
}

type errorEnvelope struct {
	Error struct {
		Message json.RawMessage `json:"message"`
	} `json:"error"`
}

// errorMessages accepts {"error":{"message":"x"}} and
// {"error":{"message":["a","b"]}}; anything else falls back to the status text.
func errorMessages(status int, body []byte) []string {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Error.Message) > 0 {
		var one string
		if err := json.Unmarshal(env.Error.Message, &one); err == nil && one != "" {
			return []string{one}
		}
		var many []string
		if err := json.Unmarshal(env.Error.Message, &many); err == nil && len(many) > 0 {
			return many
		}
	}
	if text := http.StatusText(status); text != "" {
		return []string{text}
	}
	return []string{"request failed"}
}
