package actions

import (
	"errors"
	"fmt"

	"arbiter/internal/models"
	"arbiter/internal/ratelimit"
)

var (
	// ErrAlreadyActed means the user already holds the live slot for this
	// action family on the post.
	ErrAlreadyActed = errors.New("actions: already acted")

	ErrNotFound          = errors.New("actions: not found")
	ErrUnknownActionType = errors.New("actions: unknown action type")

	// ErrMessageRequired is returned for notify types called without a body.
	ErrMessageRequired = errors.New("actions: message required")

	// ErrMessageCreationFailed matches every *MessageCreationError.
	ErrMessageCreationFailed = errors.New("actions: message creation failed")

	// ErrForbidden is returned when a non-staff user attempts a staff operation.
	ErrForbidden = errors.New("actions: staff only")

	// ErrRateLimitExceeded matches every *ratelimit.ExceededError.
	ErrRateLimitExceeded = ratelimit.ErrRateLimitExceeded
)

// MessageCreationError wraps the failure of the private message a notify
// type action sends. The action itself is not written.
type MessageCreationError struct {
	ActionType models.ActionType
	Err        error
}

func (e *MessageCreationError) Error() string {
	return fmt.Sprintf("actions: create %s message: %v", e.ActionType, e.Err)
}

func (e *MessageCreationError) Is(target error) bool { return target == ErrMessageCreationFailed }

func (e *MessageCreationError) Unwrap() error { return e.Err }
