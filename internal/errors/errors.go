package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a machine-readable error identifier of the form E<CATEGORY>-<NUMBER>.
type ErrorCode string

const (
	// Alert intake (EPARSE-xxx)
	ErrParse        ErrorCode = "EPARSE-001"
	ErrMissingField ErrorCode = "EPARSE-002"

	// Scoring (ESCORE-xxx)
	ErrScoreEvaluation ErrorCode = "ESCORE-001"

	// Deep analysis (EDEEP-xxx)
	ErrDeepTimeout     ErrorCode = "EDEEP-001"
	ErrDeepUnavailable ErrorCode = "EDEEP-002"
	ErrDeepInvalidResp ErrorCode = "EDEEP-003"
	ErrDeepSaturated   ErrorCode = "EDEEP-004"

	// Enforcement (EENF-xxx)
	ErrApplyFailed     ErrorCode = "EENF-001"
	ErrRemoveFailed    ErrorCode = "EENF-002"
	ErrUnsupported     ErrorCode = "EENF-003"
	ErrProtectedTarget ErrorCode = "EENF-004"

	// Configuration (ECFG-xxx)
	ErrConfig ErrorCode = "ECFG-001"

	// Validation (EVAL-xxx)
	ErrValidation   ErrorCode = "EVAL-001"
	ErrInvalidInput ErrorCode = "EVAL-002"

	// Storage (ESTO-xxx)
	ErrStorage  ErrorCode = "ESTO-001"
	ErrNotFound ErrorCode = "ESTO-002"

	// Auth (EAUTH-xxx)
	ErrAuth         ErrorCode = "EAUTH-001"
	ErrInvalidCreds ErrorCode = "EAUTH-002"
	ErrTOTPRequired ErrorCode = "EAUTH-003"
)

// WardenError is the base error type with structured error codes.
// It carries a machine-readable ErrorCode, a human-readable Message,
// an optional wrapped Cause, and arbitrary key-value Details for context.
type WardenError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]interface{}
}

// Error returns "[CODE] message", followed by ": cause" when one is present.
func (e *WardenError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying Cause so that errors.Is / errors.As
// can walk the error chain.
func (e *WardenError) Unwrap() error {
	return e.Cause
}

// WithDetails adds a key-value pair and returns the same pointer for chaining.
func (e *WardenError) WithDetails(key string, value interface{}) *WardenError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ---------------------------------------------------------------------------
// Constructor helpers
// ---------------------------------------------------------------------------

// New creates a new WardenError with the given code and message.
func New(code ErrorCode, message string) *WardenError {
	return &WardenError{
		Code:    code,
		Message: message,
	}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(code ErrorCode, format string, args ...interface{}) *WardenError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new WardenError that wraps an existing error as its Cause.
func Wrap(code ErrorCode, message string, cause error) *WardenError {
	return &WardenError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Is reports whether any error in err's chain carries the given ErrorCode.
// Joined errors (errors.Join) are searched as well.
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	if we, ok := err.(*WardenError); ok && we.Code == code {
		return true
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			if Is(inner, code) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return Is(x.Unwrap(), code)
	}
	return false
}

// GetCode extracts the ErrorCode from the first WardenError found in err's
// chain. If none is found it returns an empty ErrorCode.
func GetCode(err error) ErrorCode {
	var we *WardenError
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

// ---------------------------------------------------------------------------
// HTTP status mapping
// ---------------------------------------------------------------------------

// ToHTTPStatus maps an ErrorCode to the most appropriate HTTP status code.
// Unknown codes default to 500 Internal Server Error.
func ToHTTPStatus(code ErrorCode) int {
	if status, ok := codeToHTTPStatus[code]; ok {
		return status
	}

	// New codes in a known category still get a reasonable default.
	prefix := string(code)
	if idx := strings.Index(prefix, "-"); idx != -1 {
		prefix = prefix[:idx]
	}
	if status, ok := prefixToHTTPStatus[prefix]; ok {
		return status
	}

	return http.StatusInternalServerError
}

var codeToHTTPStatus = map[ErrorCode]int{
	ErrParse:        http.StatusBadRequest,
	ErrMissingField: http.StatusBadRequest,

	ErrScoreEvaluation: http.StatusInternalServerError,

	ErrDeepTimeout:     http.StatusGatewayTimeout,
	ErrDeepUnavailable: http.StatusServiceUnavailable,
	ErrDeepInvalidResp: http.StatusBadGateway,
	ErrDeepSaturated:   http.StatusTooManyRequests,

	ErrApplyFailed:     http.StatusInternalServerError,
	ErrRemoveFailed:    http.StatusInternalServerError,
	ErrUnsupported:     http.StatusNotImplemented,
	ErrProtectedTarget: http.StatusForbidden,

	ErrConfig: http.StatusInternalServerError,

	ErrValidation:   http.StatusBadRequest,
	ErrInvalidInput: http.StatusBadRequest,

	ErrStorage:  http.StatusInternalServerError,
	ErrNotFound: http.StatusNotFound,

	ErrAuth:         http.StatusUnauthorized,
	ErrInvalidCreds: http.StatusUnauthorized,
	ErrTOTPRequired: http.StatusUnauthorized,
}

var prefixToHTTPStatus = map[string]int{
	"EPARSE": http.StatusBadRequest,
	"ESCORE": http.StatusInternalServerError,
	"EDEEP":  http.StatusServiceUnavailable,
	"EENF":   http.StatusInternalServerError,
	"ECFG":   http.StatusInternalServerError,
	"EVAL":   http.StatusBadRequest,
	"ESTO":   http.StatusInternalServerError,
	"EAUTH":  http.StatusUnauthorized,
}
