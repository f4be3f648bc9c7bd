package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies deployment failures.
type ErrorKind string

const (
	KindAuthFailed          ErrorKind = "auth_failed"
	KindImageNotFound       ErrorKind = "image_not_found"
	KindConnectionRefused   ErrorKind = "connection_refused"
	KindCommandFailed       ErrorKind = "command_failed"
	KindHealthCheckFailed   ErrorKind = "health_check_failed"
	KindSnapshotUnavailable ErrorKind = "snapshot_unavailable"
	KindRestoreFailed       ErrorKind = "restore_failed"
	KindTimeout             ErrorKind = "timeout"
	KindCanceled            ErrorKind = "canceled"
	KindInvalidInput        ErrorKind = "invalid_input"
)

// Transient reports whether the failure may go away on its own, i.e. the
// remote command may never have run.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindConnectionRefused, KindTimeout:
		return true
	}
	return false
}

// Permanent reports whether retrying can never help.
func (k ErrorKind) Permanent() bool {
	switch k {
	case KindImageNotFound, KindInvalidInput, KindCanceled:
		return true
	}
	return false
}

// Error is the error type returned across the orchestration core.
type Error struct {
	Kind     ErrorKind
	Step     string
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Step != "" {
		msg = e.Step + ": " + msg
	}
	if e.Kind == KindCommandFailed {
		msg = fmt.Sprintf("%s (exit %d)", msg, e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates an *Error of the given kind with a formatted message.
func Errorf(kind ErrorKind, step, format string, args ...any) *Error {
	return &Error{Kind: kind, Step: step, Err: fmt.Errorf(format, args...)}
}

// WrapError attaches a kind to err. A nil err stays nil.
func WrapError(kind ErrorKind, step string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Step: step, Err: err}
}

// CommandFailed builds the error for a non-zero exit.
func CommandFailed(step string, exitCode int, stderr string) *Error {
	e := &Error{Kind: KindCommandFailed, Step: step, ExitCode: exitCode}
	if stderr != "" {
		e.Err = errors.New(Excerpt(stderr, 512))
	}
	return e
}

// KindOf extracts the ErrorKind from err. Context errors map to Timeout and
// Canceled; anything else unclassified is reported as CommandFailed.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindCommandFailed
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
