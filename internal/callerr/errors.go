package callerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failed call.
type Kind uint8

const (
	// Fatal failures are caused by the call itself (bad arguments, revert,
	// authorization) and are never retried.
	Fatal Kind = iota
	// TransientNetwork failures are retried and trigger endpoint failover.
	TransientNetwork
	// RateLimited failures are retried on the same endpoint.
	RateLimited
	// Aborted failures happen when the caller's own context ends first.
	// They are never retried and say nothing about the endpoint.
	Aborted
)

func (k Kind) String() string {
	switch k {
	case TransientNetwork:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case Aborted:
		return "aborted"
	default:
		return "fatal"
	}
}

// Retryable reports whether a failure of this kind may succeed on a later attempt.
func (k Kind) Retryable() bool {
	return k == TransientNetwork || k == RateLimited
}

// ErrExhaustedRetries matches any *ExhaustedError via errors.Is.
var ErrExhaustedRetries = errors.New("retries exhausted")

// Error tags an underlying error with its Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New tags err with kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient tags err as a transient network failure.
func Transient(op string, err error) error {
	return New(TransientNetwork, op, err)
}

// Limited tags err as a remote rate-limit failure.
func Limited(op string, err error) error {
	return New(RateLimited, op, err)
}

// Fatalf builds a fatal error from a format string.
func Fatalf(op, format string, args ...interface{}) error {
	return &Error{Kind: Fatal, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind carried by err. Cancellation, and an untagged
// deadline (the caller's own), are Aborted; other untagged errors are Fatal.
func KindOf(err error) Kind {
	if errors.Is(err, context.Canceled) {
		return Aborted
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Aborted
	}
	return Fatal
}

// ExhaustedError is returned when every allowed attempt failed with a
// retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhaustedRetries
}
