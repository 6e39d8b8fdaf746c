// Package apperr defines the error taxonomy shared by the engine components.
package apperr

import (
	"errors"
	"fmt"
)

// ValidationError reports bad user input. It is raised before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// TransientBackendError wraps a retryable backend failure (network, timeout, non-2xx).
type TransientBackendError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientBackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: backend status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientBackendError) Unwrap() error { return e.Err }

// ConsistencyError marks an operation against an id that no longer exists.
// Callers resolve it by falling back; it is never shown to the user.
type ConsistencyError struct {
	Kind string
	ID   string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s %q no longer exists", e.Kind, e.ID)
}

// Validation builds a ValidationError.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Transient wraps err as a retryable backend failure.
func Transient(op string, status int, err error) error {
	if err == nil {
		err = errors.New("request failed")
	}
	return &TransientBackendError{Op: op, StatusCode: status, Err: err}
}

// Consistency builds a ConsistencyError.
func Consistency(kind, id string) error {
	return &ConsistencyError{Kind: kind, ID: id}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsTransient(err error) bool {
	var target *TransientBackendError
	return errors.As(err, &target)
}

func IsConsistency(err error) bool {
	var target *ConsistencyError
	return errors.As(err, &target)
}
