package core

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Error codes carried by RecoveryError.
const (
	ErrCodeInvalidRequest  = "invalid_request"
	ErrCodeNotFound        = "not_found"
	ErrCodeValidationError = "validation_error"
	ErrCodeInternalError   = "internal_error"
)

// RecoveryError is a structured error for rejected recovery messages.
type RecoveryError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewInvalidRequestError reports a message that could not be decoded.
func NewInvalidRequestError(message string, details map[string]any) *RecoveryError {
	return &RecoveryError{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	}
}

// NewValidationError reports a decoded message with bad field values.
func NewValidationError(message string, details map[string]any) *RecoveryError {
	return &RecoveryError{
		Code:    ErrCodeValidationError,
		Message: message,
		Details: details,
	}
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(resourceType, resourceID string) *RecoveryError {
	return &RecoveryError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s '%s' not found.", resourceType, resourceID),
		Details: map[string]any{
			"resource_type": resourceType,
			"resource_id":   resourceID,
		},
	}
}

// NewInternalError reports an unexpected failure that may succeed on retry.
func NewInternalError(message string) *RecoveryError {
	return &RecoveryError{
		Code:      ErrCodeInternalError,
		Message:   message,
		Retryable: true,
	}
}

// Error categories. Errors are tagged with errors.Mark so that callers can
// classify them with errors.Is after any amount of wrapping.
var (
	// ErrBrokerFatal marks channel setup and ack/reject failures.
	ErrBrokerFatal = errors.New("broker fatal")

	// ErrPersistenceFatal marks store connectivity failures during status lookup.
	ErrPersistenceFatal = errors.New("persistence fatal")

	// ErrAbort marks blocking conditions that can never clear.
	ErrAbort = errors.New("recovery aborted")

	// ErrJobNotFound is returned by stores for unknown job UUIDs.
	ErrJobNotFound = errors.New("job not found")

	// ErrRecordNotFound is returned by stores for unknown recovery record ids.
	ErrRecordNotFound = errors.New("recovery record not found")
)

// BrokerFatal wraps err and marks it broker-fatal.
func BrokerFatal(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrBrokerFatal)
}

// PersistenceFatal wraps err and marks it persistence-fatal.
func PersistenceFatal(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrPersistenceFatal)
}

// Abortf creates a record-abort error.
func Abortf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrAbort)
}

// IsFatal reports whether err must terminate the process.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBrokerFatal) || errors.Is(err, ErrPersistenceFatal)
}
