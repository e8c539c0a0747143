package model

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a lead, analysis, prompt, or prompt version does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLedgerConflict is returned when another attempt holds the ledger entry for the same dedupe key.
	ErrLedgerConflict = errors.New("ledger conflict: analysis already running")
	// ErrInvalidTransition is returned when a status change would move backwards.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrCancelled is returned when an analysis is cancelled before it completes.
	ErrCancelled = errors.New("analysis cancelled")
)

// ErrorKind tags why a dimension (or synthesis) failed.
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindInference  ErrorKind = "inference"
	ErrorKindNotFound   ErrorKind = "not_found"
	ErrorKindCancelled  ErrorKind = "cancelled"
	ErrorKindInternal   ErrorKind = "internal"
)

// OutputValidationError means the model answered but its structured output
// did not satisfy the dimension's schema. It is never retried within a run.
type OutputValidationError struct {
	Dimension string
	Reason    string
	Raw       string
}

func (e *OutputValidationError) Error() string {
	return fmt.Sprintf("output validation failed for %s: %s", e.Dimension, e.Reason)
}

// InferenceError wraps a timeout or transport failure from the inference endpoint.
type InferenceError struct {
	Op      string
	Timeout bool
	Cause   error
}

func (e *InferenceError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("inference %s: timeout: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("inference %s: %v", e.Op, e.Cause)
}

func (e *InferenceError) Unwrap() error {
	return e.Cause
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// Is lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ClassifyError maps an error to the kind recorded on a failed dimension run.
func ClassifyError(err error) ErrorKind {
	var ve *OutputValidationError
	var ie *InferenceError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return ErrorKindValidation
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		return ErrorKindCancelled
	case errors.As(err, &ie), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindInference
	case errors.Is(err, ErrNotFound):
		return ErrorKindNotFound
	default:
		return ErrorKindInternal
	}
}
