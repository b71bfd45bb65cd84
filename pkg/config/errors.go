package config

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidYAML indicates YAML parsing failed
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrMissingRequiredField indicates a required field is missing
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidValue indicates a field has an invalid value
	ErrInvalidValue = errors.New("invalid field value")
)

// ValidationError wraps configuration validation errors with context
type ValidationError struct {
	Section string // server, websocket, sessions, dispatch, mirror
	Field   string
	Err     error
}

// Error returns formatted error message
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: field '%s': %v", e.Section, e.Field, e.Err)
}

// Unwrap returns the underlying error
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new validation error
func NewValidationError(section, field string, err error) *ValidationError {
	return &ValidationError{Section: section, Field: field, Err: err}
}

// LoadError wraps configuration loading errors with file context
type LoadError struct {
	File string
	Err  error
}

// Error returns formatted error message
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

// Unwrap returns the underlying error
func (e *LoadError) Unwrap() error {
	return e.Err
}

// NewLoadError creates a new load error
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}
