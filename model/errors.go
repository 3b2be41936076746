package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrUnauthorized  = "UNAUTHORIZED"
	ErrNotFound      = "NOT_FOUND"
	ErrConflict      = "CONFLICT"
	ErrInternalError = "INTERNAL_ERROR"
)

// Testing workflow error codes.
const (
	ErrBatchNotEligible    = "BATCH_NOT_ELIGIBLE"
	ErrEmptyInput          = "EMPTY_INPUT"
	ErrStepLocked          = "STEP_LOCKED"
	ErrLastStep            = "LAST_STEP"
	ErrStepNotFound        = "STEP_NOT_FOUND"
	ErrStepNotCurrent      = "STEP_NOT_CURRENT"
	ErrLocationRequired    = "LOCATION_REQUIRED"
	ErrNoResults           = "NO_RESULTS"
	ErrLocationUnavailable = "LOCATION_UNAVAILABLE"
	ErrSessionNotFound     = "SESSION_NOT_FOUND"
)

// ErrorEnvelope is the standard error value returned by the engine and
// rendered by the transport layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsCode reports whether err is, or wraps, an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// CodeOf returns the envelope code of err, or INTERNAL_ERROR for any other
// non-nil error.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBatchNotEligibleError returns a BATCH_NOT_ELIGIBLE error.
func NewBatchNotEligibleError(batchID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBatchNotEligible,
		Message: fmt.Sprintf("batch %q is not eligible for testing", batchID),
	}
}

// NewEmptyInputError returns an EMPTY_INPUT error listing the blank fields.
func NewEmptyInputError(fields ...string) *ErrorEnvelope {
	details := make([]FieldError, 0, len(fields))
	for _, f := range fields {
		details = append(details, FieldError{
			Field:   f,
			Code:    "required",
			Message: f + " must not be blank",
		})
	}
	return &ErrorEnvelope{
		Code:    ErrEmptyInput,
		Message: "One or more required fields are blank",
		Details: details,
	}
}

// NewStepLockedError returns a STEP_LOCKED error.
func NewStepLockedError(stepID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStepLocked,
		Message: fmt.Sprintf("step %q is completed and cannot be changed", stepID),
	}
}

// NewLastStepError returns a LAST_STEP error.
func NewLastStepError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrLastStep,
		Message: "cannot remove the last remaining step",
	}
}

// NewStepNotFoundError returns a STEP_NOT_FOUND error.
func NewStepNotFoundError(stepID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStepNotFound,
		Message: fmt.Sprintf("step %q not found", stepID),
	}
}

// NewStepNotCurrentError returns a STEP_NOT_CURRENT error.
func NewStepNotCurrentError(stepID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStepNotCurrent,
		Message: fmt.Sprintf("step %q is not the current step", stepID),
	}
}

// NewLocationRequiredError returns a LOCATION_REQUIRED error.
func NewLocationRequiredError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrLocationRequired,
		Message: "capture location before completing this step",
	}
}

// NewNoResultsError returns a NO_RESULTS error.
func NewNoResultsError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNoResults,
		Message: "add at least one test result before completing this step",
	}
}

// NewLocationUnavailableError returns a LOCATION_UNAVAILABLE error.
func NewLocationUnavailableError(reason string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrLocationUnavailable,
		Message: "could not capture location: " + reason,
	}
}

// NewSessionNotFoundError returns a SESSION_NOT_FOUND error.
func NewSessionNotFoundError(sessionID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSessionNotFound,
		Message: fmt.Sprintf("testing session %q not found or expired", sessionID),
	}
}
