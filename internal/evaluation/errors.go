package evaluation

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrCancelled is matched by every cancellation surfaced from a run.
var ErrCancelled = errors.New("evaluation cancelled by user")

type CancellationError struct {
	Step StepName
}

func (e *CancellationError) Error() string {
	if e.Step == "" {
		return ErrCancelled.Error()
	}
	return fmt.Sprintf("%s during %s step", ErrCancelled.Error(), e.Step)
}

func (e *CancellationError) Is(target error) bool {
	return target == ErrCancelled
}

// IsCancellation reports whether err stems from a cooperative abort rather
// than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

type ValidationError struct {
	Step     StepName
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("%s validation failed", e.Step)
	}
	return fmt.Sprintf("%s validation failed: %s", e.Step, strings.Join(e.Problems, "; "))
}

// Validation is the outcome of checking a step config before any LLM call.
type Validation struct {
	Errors   []string
	Warnings []string
}

func (v Validation) Valid() bool {
	return len(v.Errors) == 0
}

// Err returns a *ValidationError when there are errors, nil otherwise.
func (v Validation) Err(step StepName) error {
	if v.Valid() {
		return nil
	}
	return &ValidationError{Step: step, Problems: append([]string(nil), v.Errors...)}
}

// ParseError means the model answered but the answer could not be turned into
// the expected step output.
type ParseError struct {
	Step   StepName
	Reason string
	Raw    string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "could not parse model response"
	if e.Step != "" {
		msg = fmt.Sprintf("could not parse %s response", e.Step)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

type TransportErrorKind string

const (
	TransportNetwork     TransportErrorKind = "network"
	TransportAuth        TransportErrorKind = "auth"
	TransportRateLimited TransportErrorKind = "rate_limited"
	TransportTimeout     TransportErrorKind = "timeout"
	TransportUnknown     TransportErrorKind = "unknown"
)

func (k TransportErrorKind) message() string {
	switch k {
	case TransportNetwork:
		return "network failure while contacting the model provider"
	case TransportAuth:
		return "missing or invalid model provider credential"
	case TransportRateLimited:
		return "rate limited by the model provider"
	case TransportTimeout:
		return "model provider request timed out"
	default:
		return "model provider request failed"
	}
}

type TransportError struct {
	Kind       TransportErrorKind
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return e.Kind.message()
	}
	return fmt.Sprintf("%s: %v", e.Kind.message(), e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
