package congestion

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes congestion errors.
type ErrorCode string

const (
	// ErrCodeQueueSaturated means the serial queue is at its depth bound.
	ErrCodeQueueSaturated ErrorCode = "QUEUE_SATURATED"

	// ErrCodeStopped means the controller no longer accepts work.
	ErrCodeStopped ErrorCode = "STOPPED"

	// ErrCodeActionPanic means a serial action panicked.
	ErrCodeActionPanic ErrorCode = "ACTION_PANIC"
)

// ErrRateLimited is returned (possibly wrapped) by outbound actions when the
// backend answered with a rate-limit response. The client root reports it to
// the controller.
var ErrRateLimited = errors.New("rate limited by backend")

// CongestionError is returned synchronously by EnqueueSerial on rejection,
// and asynchronously for actions that panic.
type CongestionError struct {
	Code  ErrorCode
	Label string
	Depth int
	Limit int
	Cause any
}

// Error implements the error interface.
func (e *CongestionError) Error() string {
	switch e.Code {
	case ErrCodeQueueSaturated:
		return fmt.Sprintf("%s: serial queue full (%d/%d), rejected %q", e.Code, e.Depth, e.Limit, e.Label)
	case ErrCodeActionPanic:
		return fmt.Sprintf("%s: action %q panicked: %v", e.Code, e.Label, e.Cause)
	default:
		return fmt.Sprintf("%s: %q", e.Code, e.Label)
	}
}

// IsQueueFull reports whether err is a saturation rejection.
func IsQueueFull(err error) bool {
	var ce *CongestionError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeQueueSaturated
	}
	return false
}

// IsStopped reports whether err came from a stopped controller.
func IsStopped(err error) bool {
	var ce *CongestionError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeStopped
	}
	return false
}
