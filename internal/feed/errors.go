package feed

import (
	"errors"
	"fmt"

	"github.com/feedline/feedsync/internal/session"
)

var (
	// ErrValidation is matched by every *ValidationError
	ErrValidation = errors.New("validation failed")
	// ErrMutationInFlight is returned when the entity already has a mutation
	// waiting on the remote store
	ErrMutationInFlight = errors.New("mutation already in flight")
	// ErrNotOwner is returned when the actor does not own the post
	ErrNotOwner = errors.New("only the author may change this post")
	// ErrPostNotFound is returned when the post is not in the feed
	ErrPostNotFound = errors.New("post not found")
	// ErrEngineStopped is returned once the engine loop has exited
	ErrEngineStopped = errors.New("engine stopped")
	// ErrSessionChanged is returned when the session changed while an action
	// was being prepared
	ErrSessionChanged = errors.New("session changed")
	// ErrUploadsDisabled is returned for an image post without an uploader
	ErrUploadsDisabled = errors.New("image uploads are not configured")
)

// ValidationError rejects user input before any state change or remote call
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes every ValidationError match ErrValidation
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a validation failure
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsSessionError reports whether err ended the session
func IsSessionError(err error) bool {
	return session.IsAuthError(err)
}
