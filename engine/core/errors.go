package core

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors
var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrStepNotFound      = errors.New("step execution not found")
	ErrAlreadyClaimed    = errors.New("execution already claimed")
	ErrNotAwaitingInput  = errors.New("execution is not awaiting input")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports malformed invocation or resumption input.
// It is surfaced to the caller as a client error and never mutates
// execution state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// BackendError reports that function code raised. It is captured into
// the execution record, which becomes terminal FAILED and is never
// auto-retried.
type BackendError struct {
	Message   string
	Traceback string
}

func (e *BackendError) Error() string {
	return e.Message
}

func NewBackendError(message, traceback string) *BackendError {
	return &BackendError{Message: message, Traceback: traceback}
}

// DispatchError reports that the queue was unavailable. Enqueue fails
// fast before any execution row exists.
type DispatchError struct {
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch failed: %v", e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// WaitTimeoutError reports that a synchronous wait exceeded its
// deadline. The execution keeps running; the caller polls by id.
type WaitTimeoutError struct {
	ExecID  ID
	Timeout time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for execution %s", e.Timeout, e.ExecID)
}

// IsWaitTimeout reports whether err carries a WaitTimeoutError and
// returns the execution id to poll.
func IsWaitTimeout(err error) (ID, bool) {
	var wt *WaitTimeoutError
	if errors.As(err, &wt) {
		return wt.ExecID, true
	}
	return "", false
}

// StuckExecutionError is the synthetic failure the reaper records on a
// RUNNING execution abandoned past its grace period.
type StuckExecutionError struct {
	ExecID ID
	Grace  time.Duration
}

func (e *StuckExecutionError) Error() string {
	return fmt.Sprintf("execution lost: %s exceeded RUNNING grace period of %s", e.ExecID, e.Grace)
}

// StuckExecutionMessage is the error text persisted on reaped rows.
const StuckExecutionMessage = "execution lost"

// LogStoreError reports log infrastructure failure. Always swallowed
// after logging; never affects execution status.
type LogStoreError struct {
	Op  string
	Err error
}

func (e *LogStoreError) Error() string {
	return fmt.Sprintf("log store %s failed: %v", e.Op, e.Err)
}

func (e *LogStoreError) Unwrap() error {
	return e.Err
}
