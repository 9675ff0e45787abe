package reconcile

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes reaction errors.
type ErrorCode string

const (
	// ErrCodeDuplicate means the event already executed, is queued, or is
	// dead-lettered.
	ErrCodeDuplicate ErrorCode = "DUPLICATE"

	// ErrCodeNotApplied means the authority has no record of the event.
	ErrCodeNotApplied ErrorCode = "NOT_APPLIED"

	// ErrCodeInvalid means the reaction is malformed.
	ErrCodeInvalid ErrorCode = "INVALID"

	// ErrCodeDecode means the notification payload did not decode.
	ErrCodeDecode ErrorCode = "DECODE"
)

// ReactionError is returned by Enqueue and Ingest on rejection.
type ReactionError struct {
	Code    ErrorCode
	EventID string
	Cause   error
}

// Error implements the error interface.
func (e *ReactionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: reaction %q: %v", e.Code, e.EventID, e.Cause)
	}
	return fmt.Sprintf("%s: reaction %q", e.Code, e.EventID)
}

// Unwrap returns the cause.
func (e *ReactionError) Unwrap() error {
	return e.Cause
}

// IsDuplicate reports whether err rejected an already-seen event.
func IsDuplicate(err error) bool {
	return hasCode(err, ErrCodeDuplicate)
}

// IsNotApplied reports whether err rejected an unrecorded event.
func IsNotApplied(err error) bool {
	return hasCode(err, ErrCodeNotApplied)
}

func hasCode(err error, code ErrorCode) bool {
	var re *ReactionError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}
