package nurture

import (
	"errors"
	"fmt"
)

var (
	// ErrClaimConflict means another runner already moved the enrollment
	ErrClaimConflict = errors.New("enrollment claimed by another runner")
	// ErrNotActive is returned when cancelling an enrollment that already finished
	ErrNotActive = errors.New("enrollment is not active")
	// ErrAlreadyEnrolled is returned by Create when an active enrollment exists
	ErrAlreadyEnrolled = errors.New("follower already enrolled in sequence")
	// ErrNoDestination means the sender could not resolve where to deliver
	ErrNoDestination = errors.New("no resolvable destination for follower")
)

// ValidationError describes a rejected step list. StepIndex is -1 when the
// problem is not tied to a single step.
type ValidationError struct {
	StepIndex int
	Message   string
}

func (e *ValidationError) Error() string {
	if e.StepIndex < 0 {
		return e.Message
	}
	return fmt.Sprintf("step %d: %s", e.StepIndex, e.Message)
}

// NotFoundError reports an unknown sequence type, enrollment or lead
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// IsNotFound reports whether err wraps a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err wraps a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// DeliveryError wraps a failed send so it can be told apart from store errors
type DeliveryError struct {
	Platform string
	Err      error
}

func (e *DeliveryError) Error() string {
	if e.Platform == "" {
		return fmt.Sprintf("delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("delivery via %s failed: %v", e.Platform, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
