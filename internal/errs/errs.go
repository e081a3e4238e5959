// Package errs defines the structured error taxonomy surfaced to API clients.
// Every user-facing failure carries a category, a severity, a human message,
// and optional suggestions, so the HTTP layer can render a consistent shape.
package errs

import (
	"errors"
	"fmt"
)

// Category classifies an error by subsystem.
type Category string

const (
	CategoryAuth          Category = "authentication"
	CategoryFilesystem    Category = "filesystem"
	CategoryVCS           Category = "vcs"
	CategoryNetwork       Category = "network"
	CategoryValidation    Category = "validation"
	CategoryConfiguration Category = "configuration"
	CategoryVoting        Category = "maker-voting"
	CategoryModelTimeout  Category = "model-timeout"
	CategoryConnection    Category = "connection"
	CategoryToolExecution Category = "tool-execution"
	CategoryAIService     Category = "ai-service"
	CategoryResource      Category = "resource"
	CategoryInternal      Category = "internal"
)

// Severity ranks an error's impact.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
	SeverityFatal    Severity = "fatal"
)

// Error is a categorized, user-facing error.
type Error struct {
	Category    Category          `json:"category"`
	Severity    Severity          `json:"severity"`
	Message     string            `json:"message"`
	Code        string            `json:"code,omitempty"`
	Suggestions []string          `json:"suggestions,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	Recoverable bool              `json:"recoverable"`
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an error with the given category, severity, and message.
func New(category Category, severity Severity, format string, args ...interface{}) *Error {
	return &Error{
		Category: category,
		Severity: severity,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Wrap attaches a cause to a new categorized error.
func Wrap(cause error, category Category, severity Severity, format string, args ...interface{}) *Error {
	return &Error{
		Category: category,
		Severity: severity,
		Message:  fmt.Sprintf(format, args...),
		cause:    cause,
	}
}

// WithSuggestions appends remediation hints.
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// WithContext attaches a context key/value pair.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithCode sets a machine-readable error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// AsRecoverable marks the error as recoverable by retrying.
func (e *Error) AsRecoverable() *Error {
	e.Recoverable = true
	return e
}

// Validation is shorthand for a validation error.
func Validation(format string, args ...interface{}) *Error {
	return New(CategoryValidation, SeverityError, format, args...)
}

// PathTraversal reports a path escaping the codebase root. No side effects
// may follow this error.
func PathTraversal(path string) *Error {
	return Validation("path escapes codebase root: %s", path).
		WithCode("path_traversal").
		WithSuggestions("use a path relative to the codebase root")
}

// CategoryOf extracts the category from any error, defaulting to internal.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}
