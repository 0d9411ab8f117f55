package types

import (
	"errors"
	"fmt"
)

// Common sentinel errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// ConfigurationError indicates a bad adapter name or missing configuration.
// Fatal, surfaced to the caller, never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// NewConfigurationError creates a ConfigurationError.
func NewConfigurationError(field, reason string) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: reason}
}

// ValidationError indicates a bad target or a quality-gate rejection.
// Fatal for the call, surfaced immediately, not retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Reason
}

// NewValidationError creates a ValidationError.
func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

// AdapterError wraps any error escaping an adapter's Execute. The recovery
// engine classifies it further for retry-policy selection.
type AdapterError struct {
	Adapter string
	Target  string
	Err     error
}

func (e *AdapterError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("adapter %s failed for %s: %v", e.Adapter, e.Target, e.Err)
	}
	return fmt.Sprintf("adapter %s failed: %v", e.Adapter, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// NewAdapterError wraps err as an AdapterError.
func NewAdapterError(adapter, target string, err error) *AdapterError {
	return &AdapterError{Adapter: adapter, Target: target, Err: err}
}
