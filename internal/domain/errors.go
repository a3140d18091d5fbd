package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict is returned when another writer claimed the stream version first.
	ErrVersionConflict = errors.New("stream version conflict")
	// ErrNotFound is returned when the addressed entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrQuorumNotReached is returned when too few verification sources agree.
	ErrQuorumNotReached = errors.New("quorum not reached")
)

// ValidationError reports a payload that fails the schema of its event type
type ValidationError struct {
	EventType string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.EventType == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed for %s: %s", e.EventType, e.Reason)
}

// ProjectionHandlerError wraps a handler failure recorded on the event row
type ProjectionHandlerError struct {
	Handler string
	EventID string
	Err     error
}

func (e *ProjectionHandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on event %s: %v", e.Handler, e.EventID, e.Err)
}

func (e *ProjectionHandlerError) Unwrap() error {
	return e.Err
}

// BusinessRuleError is a terminal, caller-visible rejection
type BusinessRuleError struct {
	Rule    string
	Message string
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Message)
}

// Reject builds a BusinessRuleError
func Reject(rule, format string, args ...interface{}) error {
	return &BusinessRuleError{Rule: rule, Message: fmt.Sprintf(format, args...)}
}

// StepExhaustedError reports a saga step that used up its retry budget
type StepExhaustedError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepExhaustedError) Error() string {
	return fmt.Sprintf("step %s exhausted after %d attempts: %v", e.Step, e.Attempts, e.Err)
}

func (e *StepExhaustedError) Unwrap() error {
	return e.Err
}

// ProcessingFailedError means the event was stored but its projection effect is absent.
// It is distinct from ErrNotFound.
type ProcessingFailedError struct {
	EventID   string
	EventType string
	Detail    string
}

func (e *ProcessingFailedError) Error() string {
	msg := fmt.Sprintf("event %s (%s) was stored but processing failed", e.EventID, e.EventType)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// IsRetryable reports whether err may succeed when retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var validation *ValidationError
	var rule *BusinessRuleError
	switch {
	case errors.As(err, &validation), errors.As(err, &rule), errors.Is(err, ErrNotFound):
		return false
	}
	return true
}
