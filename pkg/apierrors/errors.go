// Package apierrors defines the coded error taxonomy shared across PM-Runner
// components. Every component maps internal failures onto one
// of these classes before surfacing them to a caller, so a REPL, an HTTP
// handler, or a log line can all report the same stable code.
package apierrors

import "fmt"

// Code identifies one of the fixed E1xx-E5xx error classes.
type Code string

// Error code classes. Grouped by the subsystem that raises them.
const (
	// E1xx Project/Config
	ECfgMissingClaudeDir Code = "E101"
	ECfgSchema           Code = "E104"
	ECfgCorruption       Code = "E105"

	// E2xx Lifecycle
	ELifecycleDecomposition Code = "E205"
	ELifecycleResourceLimit Code = "E206"

	// E3xx Evidence
	EEvidenceCollection    Code = "E301"
	EEvidenceIndexCorrupt  Code = "E302"
	EEvidenceRawLogMissing Code = "E303"
	EEvidenceHashMismatch  Code = "E304"

	// E4xx Locking
	ELockAcquisition          Code = "E401"
	ELockRelease              Code = "E402"
	ESemaphoreExceeded        Code = "E404"
	ELockForbiddenAutoRelease Code = "E405"

	// E5xx Integration
	ESessionIDMissing Code = "E501"
	ESessionMismatch  Code = "E502"
)

// CodedError is the structured error shape surfaced at every component
// boundary: {code, message, details}.
type CodedError struct {
	Code    Code
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds a CodedError with optional details.
func New(code Code, message string, details map[string]any) *CodedError {
	return &CodedError{Code: code, Message: message, Details: details}
}

// Newf builds a CodedError with a formatted message.
func Newf(code Code, details map[string]any, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...), Details: details}
}

// Is enables errors.Is(err, apierrors.New(code, "", nil)) to match purely on code,
// which is how callers typically want to classify a returned CodedError.
func (e *CodedError) Is(target error) bool {
	other, ok := target.(*CodedError)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// Fatal reports whether this error class ends the session without recovery.
func (e *CodedError) Fatal() bool {
	switch e.Code {
	case ELifecycleDecomposition, ELifecycleResourceLimit,
		EEvidenceCollection, ELockForbiddenAutoRelease,
		ESessionIDMissing, ESessionMismatch:
		return true
	default:
		return false
	}
}
