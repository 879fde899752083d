// Package apierr defines the error shape shared by every command-facing
// component: a stable machine-readable id, an HTTP-style status code, a
// human message and a details map.
package apierr

import "fmt"

// Error is the common representation of a caller-visible failure.
type Error struct {
	StatusCode int
	ID         string
	Message    string
	Details    map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s: %s %v", e.ID, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.ID, e.Message)
}

// New builds an Error with a copy of the details map.
func New(statusCode int, id, message string, details map[string]any) *Error {
	copied := make(map[string]any, len(details))
	for k, v := range details {
		copied[k] = v
	}
	return &Error{
		StatusCode: statusCode,
		ID:         id,
		Message:    message,
		Details:    copied,
	}
}

// NewValidation reports malformed command input, rejected before any
// remote call or store access.
func NewValidation(details map[string]any) *Error {
	return New(400, "invalid-data", "Sent data is invalid", details)
}

// NewTokenWithUserRequired reports a command that needs an authenticated
// user but whose token carries none.
func NewTokenWithUserRequired() *Error {
	return New(400, "token-with-user-uuid-required", "A valid token with a user UUID is required", nil)
}

// NewUserPermissionDenied reports a user acting on another user's objects.
func NewUserPermissionDenied(userUUID string, details map[string]any) *Error {
	merged := make(map[string]any, len(details)+1)
	for k, v := range details {
		merged[k] = v
	}
	merged["user"] = userUUID
	return New(403, "user-permission-denied", "User does not have permission to handle objects of other users", merged)
}
