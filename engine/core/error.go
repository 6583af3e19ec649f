package core

import (
	"errors"
	"fmt"
	"strings"
)

// Category classifies an error for callers and for HTTP/CLI mapping.
type Category string

const (
	CategoryAuth          Category = "auth"
	CategoryConnection    Category = "connection"
	CategoryValidation    Category = "validation"
	CategoryNotFound      Category = "not_found"
	CategoryPermission    Category = "permission"
	CategoryRateLimit     Category = "rate_limit"
	CategoryExecution     Category = "execution"
	CategoryConfiguration Category = "configuration"
	CategoryInternal      Category = "internal"
)

// Error is the categorized error carried across package boundaries.
type Error struct {
	Category Category       `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	Err      error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(category Category, code, message string) *Error {
	return &Error{Category: category, Code: code, Message: message}
}

func WrapError(category Category, code, message string, err error) *Error {
	return &Error{Category: category, Code: code, Message: message, Err: err}
}

func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CategoryOf extracts the category from err, defaulting to internal.
func CategoryOf(err error) Category {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Category
	}
	return CategoryInternal
}

func IsNotFound(err error) bool {
	return CategoryOf(err) == CategoryNotFound
}

func IsValidation(err error) bool {
	return CategoryOf(err) == CategoryValidation
}

func NotFoundError(resource string, id ID) *Error {
	return &Error{
		Category: CategoryNotFound,
		Code:     "not_found",
		Message:  fmt.Sprintf("%s %q not found", resource, id),
	}
}

// FieldError is a machine-readable validation failure for one field path.
type FieldError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError aggregates field errors into a single categorized error.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Fields))
	for i, fe := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", fe.Path, fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func NewValidationError(fields ...FieldError) *Error {
	verr := &ValidationError{Fields: fields}
	details := make(map[string]any, 1)
	details["fields"] = fields
	return &Error{
		Category: CategoryValidation,
		Code:     "validation_failed",
		Message:  verr.Error(),
		Details:  details,
		Err:      verr,
	}
}

// FieldErrorsOf returns the field errors attached to a validation error, if
// any.
func FieldErrorsOf(err error) []FieldError {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Fields
	}
	return nil
}
