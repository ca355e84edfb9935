package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeCycleDetected  = "CYCLE_DETECTED"
	ErrCodeDispatch       = "DISPATCH_ERROR"
	ErrCodeNodeFailed     = "NODE_FAILED"
	ErrCodeTimeout        = "TIMEOUT_ERROR"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeStore          = "STORE_ERROR"
	ErrCodeTrigger        = "TRIGGER_ERROR"
)

// WeftError is the structured error type for all engine operations.
type WeftError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	NodeID  string         `json:"node_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *WeftError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *WeftError) Unwrap() error {
	return e.Cause
}

// NewError creates a new WeftError.
func NewError(code, message string) *WeftError {
	return &WeftError{Code: code, Message: message}
}

// NewErrorf creates a new WeftError with a formatted message.
func NewErrorf(code, format string, args ...any) *WeftError {
	return &WeftError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *WeftError) WithNode(nodeID string) *WeftError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *WeftError) WithCause(err error) *WeftError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *WeftError) WithDetails(details map[string]any) *WeftError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code permits another dispatch attempt.
// Structural and dispatch errors never benefit from a retry; handler failures,
// timeouts, and store hiccups might.
func (e *WeftError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeCycleDetected, ErrCodeDispatch,
		ErrCodeCancelled, ErrCodeNotFound, ErrCodeConflict:
		return false
	default:
		return true
	}
}
