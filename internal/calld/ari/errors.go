package ari

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrNotFound indicates the channel or bridge no longer exists on
	// the endpoint. Legs hang up at any time; callers decide per call
	// site whether this is graceful-continue or a typed failure.
	ErrNotFound = errors.New("resource not found")

	// ErrUnavailable indicates the call-control endpoint itself is
	// unreachable or still loading.
	ErrUnavailable = errors.New("call-control endpoint unavailable")
)

// RequestError carries the HTTP detail of a failed call-control request.
type RequestError struct {
	Method string
	Path   string
	Status int
	Body   string
}

// Error returns the error message.
func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Unwrap maps the HTTP status onto the sentinel classification.
func (e *RequestError) Unwrap() error {
	switch {
	case e.Status == 404:
		return ErrNotFound
	case e.Status == 503 || e.Status >= 500:
		return ErrUnavailable
	default:
		return nil
	}
}

// IsNotFound reports whether err means the remote leg or bridge vanished.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnavailable reports whether err means the endpoint cannot be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
