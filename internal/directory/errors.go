package directory

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoCredential is returned when the clinic has no directory token configured
var ErrNoCredential = errors.New("clinic has no directory access token")

// ErrPayloadTooLarge is returned when the directory refuses an upload body
var ErrPayloadTooLarge = errors.New("document too large for upload")

// Error is a failed directory call, classified for the retry policy.
type Error struct {
	Op         string
	StatusCode int
	Retryable  bool
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("directory %s: %s (status %d)", e.Op, msg, e.StatusCode)
	}
	return fmt.Sprintf("directory %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient directory failure
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// statusError maps a non-2xx response to a classified error
func statusError(op string, status int) *Error {
	e := &Error{Op: op, StatusCode: status}
	switch status {
	case http.StatusBadRequest:
		e.Message = "payload rejected as invalid"
	case http.StatusUnauthorized:
		e.Message = "access token invalid or expired"
	case http.StatusForbidden:
		e.Message = "access token lacks permission"
	case http.StatusRequestEntityTooLarge:
		e.Message = "payload too large"
		e.Err = ErrPayloadTooLarge
	case http.StatusServiceUnavailable:
		e.Message = "service unavailable"
		e.Retryable = true
	default:
		e.Message = fmt.Sprintf("HTTP %d", status)
	}
	return e
}
