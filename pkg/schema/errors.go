package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeExpired           = "EXPIRED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeLLM               = "LLM_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeToolUnavailable   = "TOOL_UNAVAILABLE"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
)

// AideError is the structured error type for all aide operations.
type AideError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *AideError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AideError) Unwrap() error {
	return e.Cause
}

// NewError creates a new AideError.
func NewError(code, message string) *AideError {
	return &AideError{Code: code, Message: message}
}

// NewErrorf creates a new AideError with a formatted message.
func NewErrorf(code, format string, args ...any) *AideError {
	return &AideError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *AideError) WithStep(stepID string) *AideError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *AideError) WithCause(err error) *AideError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *AideError) WithDetails(details map[string]any) *AideError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code describes a transient
// condition worth retrying.
func (e *AideError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeExecution, ErrCodeStore:
		return true
	default:
		return false
	}
}
