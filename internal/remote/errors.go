package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned when an update targets a missing record.
var ErrNotFound = errors.New("record not found")

// ErrFeedDropped is reported by a feed that the store disconnected.
var ErrFeedDropped = errors.New("feed dropped")

// Kind classifies remote failures for retry decisions.
type Kind int

const (
	// KindTransient failures (network, timeouts, 5xx) are retried.
	KindTransient Kind = iota + 1
	// KindPermanent failures (validation, conflict, not found) are not.
	KindPermanent
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is a classified remote failure.
type Error struct {
	Kind     Kind
	Op       string
	Resource string
	Status   int // HTTP status, 0 when not applicable
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %s (status %d): %v", e.Op, e.Resource, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Resource, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a transient failure.
func Transient(op, resource string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Resource: resource, Err: err}
}

// Permanent wraps err as a permanent failure.
func Permanent(op, resource string, err error) *Error {
	return &Error{Kind: KindPermanent, Op: op, Resource: resource, Err: err}
}

// IsPermanent reports whether err should stop being retried.
// Uses errors.As to handle wrapped errors.
func IsPermanent(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindPermanent
	}
	return false
}

// IsTransient reports whether err should be retried. Unclassified errors,
// including context deadlines, are transient.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// KindForStatus maps an HTTP status code to a failure kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return KindTransient
	case status >= 400:
		return KindPermanent
	default:
		return KindTransient
	}
}

// StatusForError maps an error back to the HTTP status a Server responds
// with.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case IsPermanent(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}
