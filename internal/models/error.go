package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// MFA errors
	ErrInvalidCode             = errors.New("invalid code")
	ErrTooManyAttempts         = errors.New("too many attempts")
	ErrNotEnrolled             = errors.New("mfa not enrolled")
	ErrAlreadyEnrolled         = errors.New("mfa already enrolled")
	ErrVerificationUnavailable = errors.New("verification unavailable")

	// Session errors, internal only: the validation boundary returns booleans
	ErrSessionInvalid = errors.New("mfa session invalid")
	ErrSessionExpired = errors.New("mfa session expired")

	ErrStepUpRequired = errors.New("step-up verification required")
)

// TooManyAttemptsError carries the cool-down for a locked-out user.
// errors.Is(err, ErrTooManyAttempts) holds for it.
type TooManyAttemptsError struct {
	RetryAfter time.Duration
}

func (e *TooManyAttemptsError) Error() string {
	return fmt.Sprintf("too many attempts, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *TooManyAttemptsError) Is(target error) bool {
	return target == ErrTooManyAttempts
}

// RetryAfter extracts the cool-down from a lockout error, or 0.
func RetryAfter(err error) time.Duration {
	var tma *TooManyAttemptsError
	if errors.As(err, &tma) {
		return tma.RetryAfter
	}
	return 0
}
