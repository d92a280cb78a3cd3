package pipeline

import (
	"errors"
	"fmt"
)

// ErrorPrefix starts the message of every error returned by Execute.
const ErrorPrefix = "lucent query failed"

var ErrTimeout = errors.New("request timed out")

// Error is the final failure returned to callers of Execute.
type Error struct {
	// Status is the HTTP status when the failure came from status
	// validation, zero otherwise.
	Status int
	Err    error
}

func newError(err error) *Error {
	e := &Error{Err: err}
	var se *StatusError
	if errors.As(err, &se) {
		e.Status = se.Status
	}
	return e
}

func (e *Error) Error() string {
	return ErrorPrefix + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusError reports a response rejected by the status predicate.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d", e.Status)
}

// StatusOf returns the HTTP status carried by err, if any.
func StatusOf(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}
