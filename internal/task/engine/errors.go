package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrStopped           = errors.New("cluster stopped")
	ErrManagerStopped    = errors.New("cluster manager stopped")
	ErrNoResource        = errors.New("no resource available")
	ErrNoHandler         = errors.New("no handler registered")
	ErrTimeout           = errors.New("timed out waiting for task")
	ErrCancelled         = errors.New("task cancelled")
	ErrDependencyFailed  = errors.New("task dependency failed")
	ErrAlreadySubmitted  = errors.New("task already submitted")
	ErrAttemptsExhausted = errors.New("task attempts exhausted")
)

// AssignmentError reports that an owner could not be bound to a resource.
type AssignmentError struct {
	Owner    string
	Resource string
	Err      error
}

func (e *AssignmentError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("assign owner %q to resource %q: %v", e.Owner, e.Resource, e.Err)
	}
	return fmt.Sprintf("assign owner %q: %v", e.Owner, e.Err)
}

func (e *AssignmentError) Unwrap() error { return e.Err }

// NoHandlerError is returned when a task's action has no registered handler.
type NoHandlerError struct {
	Action string
}

func (e *NoHandlerError) Error() string { return fmt.Sprintf("no handler for action %q", e.Action) }
func (e *NoHandlerError) Unwrap() error { return ErrNoHandler }

// FailureClass drives the severity of the adaptive backoff.
type FailureClass int

const (
	FailureGeneric FailureClass = iota
	FailureRateLimit
	FailureConnection
)

func (c FailureClass) String() string {
	switch c {
	case FailureRateLimit:
		return "rate_limited"
	case FailureConnection:
		return "connection"
	default:
		return "generic"
	}
}

// Classify inspects failure text. Rate-limit markers win over connection
// markers.
func Classify(text string) FailureClass {
	s := strings.ToLower(text)
	switch {
	case strings.Contains(s, "429"), strings.Contains(s, "rate"):
		return FailureRateLimit
	case strings.Contains(s, "timeout"), strings.Contains(s, "connection"):
		return FailureConnection
	default:
		return FailureGeneric
	}
}

// HandlerError is the failure outcome of a handler call.
type HandlerError struct {
	Action string
	Class  FailureClass
	Msg    string
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %s failure: %s", e.Action, e.Class, e.Msg)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// RateLimited reports whether err is a rate-limit classified handler failure.
func RateLimited(err error) bool {
	var he *HandlerError
	return errors.As(err, &he) && he.Class == FailureRateLimit
}

// NoRetry marks an error as permanent so Wrap does not retry it.
//
//	return engine.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a downstream retry hint (e.g. an HTTP Retry-After) to
// err. A hinted failure keeps its resource rate limited for at least the hint.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

func retryHint(err error) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}
