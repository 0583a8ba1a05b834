package kairoserr

import (
	"fmt"
	"net/http"
	"time"
)

// Code is a stable, machine-readable identifier for a class of domain error.
// Codes are part of the external contract: ingress collaborators and clients
// switch on them, so existing values are never renamed or removed.
type Code string

const (
	CodeSessionNotFound          Code = "SESSION_NOT_FOUND"
	CodeConcurrentModification   Code = "CONCURRENT_MODIFICATION"
	CodeInvalidStateTransition   Code = "INVALID_STATE_TRANSITION"
	CodeValidationError          Code = "VALIDATION_ERROR"
	CodeStateDeserializationErr  Code = "STATE_DESERIALIZATION_ERROR"
	CodeRateLimitExceeded        Code = "RATE_LIMIT_EXCEEDED"
)

// httpStatus maps each code to the status it is surfaced as per the error
// handling table. Kept private: callers use DomainError.HTTPStatus().
var httpStatus = map[Code]int{
	CodeSessionNotFound:         http.StatusNotFound,
	CodeConcurrentModification:  http.StatusConflict,
	CodeInvalidStateTransition:  http.StatusBadRequest,
	CodeValidationError:         http.StatusBadRequest,
	CodeStateDeserializationErr: http.StatusInternalServerError,
	CodeRateLimitExceeded:       http.StatusTooManyRequests,
}

// DomainError is the typed error every SyncKairos component raises across a
// component boundary. It carries a stable Code, a human Message, optional
// field-level Details (used by VALIDATION_ERROR), and a RetryAfterSeconds
// hint (used by RATE_LIMIT_EXCEEDED). The wrapped Err, if present, carries
// the underlying cause and stack for logs; it reaches clients only as the
// stack field that httpapi attaches in development mode.
type DomainError struct {
	Code              Code
	Message           string
	Details           []string
	RetryAfterSeconds int
	Timestamp         time.Time
	Err               error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the status this error's code is surfaced as.
func (e *DomainError) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds a DomainError with no wrapped cause.
func New(code Code, message string) *DomainError {
	return &DomainError{Code: code, Message: message, Timestamp: time.Now()}
}

// Newf builds a DomainError with a formatted message.
func Newf(code Code, format string, args ...interface{}) *DomainError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap builds a DomainError around an underlying cause, preserving it via
// Unwrap for logging while keeping the client-facing Message separate.
func Wrap(code Code, err error, message string) *DomainError {
	return &DomainError{Code: code, Message: message, Err: err, Timestamp: time.Now()}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(code Code, err error, format string, args ...interface{}) *DomainError {
	return Wrap(code, err, fmt.Sprintf(format, args...))
}

// WithDetails attaches field-path/constraint detail strings, used by
// VALIDATION_ERROR responses.
func (e *DomainError) WithDetails(details ...string) *DomainError {
	e.Details = append(e.Details, details...)
	return e
}

// WithRetryAfter attaches a retry_after_seconds hint, used by
// RATE_LIMIT_EXCEEDED responses.
func (e *DomainError) WithRetryAfter(seconds int) *DomainError {
	e.RetryAfterSeconds = seconds
	return e
}

// SessionNotFound builds the error C4.get raises when a key is absent.
func SessionNotFound(sessionID string) *DomainError {
	return Newf(CodeSessionNotFound, "session not found: %s", sessionID)
}

// ConcurrentModification builds the error C4.update raises on a version
// mismatch surfaced to the caller as 409.
func ConcurrentModification(sessionID string, expected, actual int64) *DomainError {
	return Newf(CodeConcurrentModification,
		"session %s: expected version %d, store has %d", sessionID, expected, actual).
		WithDetails(fmt.Sprintf("expected_version=%d", expected), fmt.Sprintf("actual_version=%d", actual))
}

// InvalidStateTransition builds the error C3 raises when a requested
// transition is not in the permitted set.
func InvalidStateTransition(from, to string) *DomainError {
	return Newf(CodeInvalidStateTransition, "cannot transition from %s to %s", from, to)
}

// ValidationError builds the error C3 raises on a malformed config or input.
func ValidationError(message string, details ...string) *DomainError {
	return New(CodeValidationError, message).WithDetails(details...)
}

// StateDeserializationError builds the error C4 raises on a corrupt stored
// payload; it is session-fatal and warrants an operator alert.
func StateDeserializationError(sessionID string, cause error) *DomainError {
	return Wrap(CodeStateDeserializationErr, cause, fmt.Sprintf("corrupt state for session %s", sessionID))
}

// RateLimitExceeded builds the error ingress raises when a rate-limit
// threshold is exceeded.
func RateLimitExceeded(scope string, retryAfterSeconds int) *DomainError {
	return Newf(CodeRateLimitExceeded, "rate limit exceeded: %s", scope).WithRetryAfter(retryAfterSeconds)
}

// AsDomainError attempts to recover a *DomainError from err, unwrapping as needed.
func AsDomainError(err error) (*DomainError, bool) {
	var de *DomainError
	if As(err, &de) {
		return de, true
	}
	return nil, false
}
