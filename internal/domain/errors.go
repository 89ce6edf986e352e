package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned for an unknown job, batch or session
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a change would violate the job or batch state machine
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInvalidSchedule is returned for past or malformed schedule times
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrInvalidInput is returned for malformed request content
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotAuthenticated is returned when the user has no external account session
	ErrNotAuthenticated = errors.New(ErrorMessageNotAuthenticated)

	// ErrReauthRequired is returned when the session expired and cannot be refreshed
	ErrReauthRequired = errors.New(ErrorMessageReauthRequired)

	// ErrRetryableExternal marks platform failures that may succeed later
	ErrRetryableExternal = errors.New("retryable external error")

	// ErrPermanentExternal marks platform failures that will not succeed on retry
	ErrPermanentExternal = errors.New("permanent external error")
)

// ReauthHint is attached to ErrReauthRequired for the user-facing layer.
const ReauthHint = "reconnect your account"

// NewReauthRequired wraps ErrReauthRequired with context and the reconnect hint.
func NewReauthRequired(format string, args ...any) error {
	return errors.WithHint(errors.Wrapf(ErrReauthRequired, format, args...), ReauthHint)
}

// ExternalError is a classified failure response from the publishing platform
// or its token endpoint.
type ExternalError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
}

func (e *ExternalError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s external error: %s", e.Op, kind, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s external error: status %d (%s): %s", e.Op, kind, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s external error: status %d: %s", e.Op, kind, e.StatusCode, e.Message)
}

// Unwrap exposes the retryable or permanent sentinel so callers can use errors.Is.
func (e *ExternalError) Unwrap() error {
	if e.Retryable {
		return ErrRetryableExternal
	}
	return ErrPermanentExternal
}

// IsRetryable reports whether err is a transient external failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryableExternal)
}

// FailureMessage renders err as the message recorded on a failed job.
// Session failures collapse to their taxonomy name so the user-facing layer
// can prompt for reconnection.
func FailureMessage(err error) string {
	switch {
	case errors.Is(err, ErrReauthRequired):
		return ErrorMessageReauthRequired
	case errors.Is(err, ErrNotAuthenticated):
		return ErrorMessageNotAuthenticated
	}
	return err.Error()
}
