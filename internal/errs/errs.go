// Package errs defines the error taxonomy shared by the job and organization
// lifecycle services. Each kind is a typed error that also matches a sentinel
// via errors.Is, so callers can branch on the kind and still read details with
// errors.As.
package errs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel kinds
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrPermission          = errors.New("permission denied")
	ErrExecutorUnavailable = errors.New("executor unavailable")
	ErrInvalidTransition   = errors.New("invalid state transition")
)

// Sentinel returns a fixed error with its own message that matches kind via
// errors.Is. Stores use it to declare package-level sentinels.
func Sentinel(kind error, msg string) error {
	return &sentinel{kind: kind, msg: msg}
}

type sentinel struct {
	kind error
	msg  string
}

func (s *sentinel) Error() string { return s.msg }

func (s *sentinel) Is(target error) bool { return target == s.kind }

// ValidationError reports bad caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validation returns a ValidationError for field.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound returns a NotFoundError.
func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// ConflictError reports that the current state disallows the request.
// BlockingJobIDs lists jobs preventing the operation, when relevant, and
// ScheduledAt carries an existing offboard schedule.
type ConflictError struct {
	Message        string
	BlockingJobIDs []string
	ScheduledAt    *time.Time
}

func (e *ConflictError) Error() string {
	if len(e.BlockingJobIDs) > 0 {
		return fmt.Sprintf("%s (blocking jobs: %s)", e.Message, strings.Join(e.BlockingJobIDs, ", "))
	}
	return e.Message
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Conflict returns a ConflictError with a formatted message.
func Conflict(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// PermissionError reports a protected resource or an insufficient role.
type PermissionError struct {
	Message string
}

func (e *PermissionError) Error() string { return e.Message }

func (e *PermissionError) Is(target error) bool { return target == ErrPermission }

// Permission returns a PermissionError with a formatted message.
func Permission(format string, args ...any) error {
	return &PermissionError{Message: fmt.Sprintf(format, args...)}
}

// ExecutorUnavailableError reports that an external executor or cooperating
// service timed out or could not be reached.
type ExecutorUnavailableError struct {
	Executor string
	Err      error
}

func (e *ExecutorUnavailableError) Error() string {
	return fmt.Sprintf("executor unavailable: %s: %v", e.Executor, e.Err)
}

func (e *ExecutorUnavailableError) Is(target error) bool { return target == ErrExecutorUnavailable }

func (e *ExecutorUnavailableError) Unwrap() error { return e.Err }

// ExecutorUnavailable wraps err as an ExecutorUnavailableError.
func ExecutorUnavailable(executor string, err error) error {
	return &ExecutorUnavailableError{Executor: executor, Err: err}
}

// InvalidTransitionError reports a state machine violation.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// InvalidTransition returns an InvalidTransitionError.
func InvalidTransition(entity, id, from, to string) error {
	return &InvalidTransitionError{Entity: entity, ID: id, From: from, To: to}
}
