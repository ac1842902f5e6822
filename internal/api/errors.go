package api

import (
	"errors"
	"fmt"

	"github.com/feedline/feedsync/internal/feed"
)

// Application error codes, in the JSON-RPC server error range
const (
	CodeServerError = -32000
	CodeValidation  = -32001
	CodeInFlight    = -32002
	CodeNotOwner    = -32003
	CodeNotFound    = -32004
	CodeSession     = -32005
	CodeUnavailable = -32006
)

// Error represents an API error
type Error struct {
	Code    int
	Message string
}

// NewError creates a new API error
func NewError(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Code, e.Message)
}

func invalidParams(format string, args ...interface{}) *Error {
	return NewError(ErrInvalidParams, fmt.Sprintf(format, args...))
}

// classify maps an error returned by a method handler to its code and
// short message
func classify(err error) (int, string) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Code, apiErr.Message
	case feed.IsValidation(err):
		return CodeValidation, "Validation failed"
	case errors.Is(err, feed.ErrMutationInFlight):
		return CodeInFlight, "Mutation in flight"
	case errors.Is(err, feed.ErrNotOwner):
		return CodeNotOwner, "Not the owner"
	case errors.Is(err, feed.ErrPostNotFound):
		return CodeNotFound, "Not found"
	case feed.IsSessionError(err), errors.Is(err, feed.ErrSessionChanged):
		return CodeSession, "Session required"
	case errors.Is(err, feed.ErrEngineStopped):
		return CodeUnavailable, "Unavailable"
	default:
		return CodeServerError, "Server error"
	}
}
