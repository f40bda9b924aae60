package backend

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials indicates the backend rejected the proof.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNetworkUnavailable indicates the backend could not be reached.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrOTPRequired is the errors.Is target for OTPRequiredError.
	ErrOTPRequired = errors.New("otp required")
	// ErrTooManyAttempts is the errors.Is target for TooManyAttemptsError.
	ErrTooManyAttempts = errors.New("too many attempts")
)

// OTPRequiredError indicates a login failed for want of a valid OTP token.
// Reset eligibility returned by the backend rides along as data: a caller
// can offer the reset flow without a second round trip. Fields are zero
// when the backend returned nothing.
type OTPRequiredError struct {
	// ResetToken requests disabling of OTP via RequestOTPReset.
	ResetToken string
	// ResetDate is when a previously requested reset will take effect.
	ResetDate time.Time
}

func (e *OTPRequiredError) Error() string {
	if !e.ResetDate.IsZero() {
		return fmt.Sprintf("otp required (reset pending until %s)", e.ResetDate.Format(time.RFC3339))
	}
	return "otp required"
}

func (e *OTPRequiredError) Is(target error) bool { return target == ErrOTPRequired }

// TooManyAttemptsError indicates backend-enforced lockout. The backend is
// the source of truth; no local attempt counter exists.
type TooManyAttemptsError struct {
	RetryAfter time.Duration
}

func (e *TooManyAttemptsError) Error() string {
	return fmt.Sprintf("too many attempts, retry after %s", e.RetryAfter)
}

func (e *TooManyAttemptsError) Is(target error) bool { return target == ErrTooManyAttempts }
