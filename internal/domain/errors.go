package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAlreadyResuming   = errors.New("resume already in progress")
	ErrDeliveryFailure   = errors.New("delivery failure")
	ErrResumeFailure     = errors.New("resume failure")
	ErrTransportClosed   = errors.New("transport closed")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnauthorized      = errors.New("unauthorized")
)

// InvalidInputf wraps ErrInvalidInput with a formatted reason.
func InvalidInputf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with the kind and key that were looked up.
func NotFoundf(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// TransitionError reports an illegal request status change.
type TransitionError struct {
	RequestID string
	From      RequestStatus
	To        RequestStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("request %s: cannot move from %s to %s", e.RequestID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ResumeError carries the workflow engine's own retry classification.
type ResumeError struct {
	Err       error
	Retryable bool
}

func (e *ResumeError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s resume error: %v", kind, e.Err)
}

func (e *ResumeError) Unwrap() error { return e.Err }

func (e *ResumeError) Is(target error) bool { return target == ErrResumeFailure }

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &ResumeError{Err: err, Retryable: true}
}

// Fatal marks err as permanent; the resume is not attempted again.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &ResumeError{Err: err, Retryable: false}
}

// IsRetryable reports whether a failed resume may be attempted again.
// Errors without a classification are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *ResumeError
	if errors.As(err, &re) {
		return re.Retryable
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
