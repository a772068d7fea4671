package steamboat

import (
	"errors"
	"fmt"
	"time"
)

// Kind discriminates the failure taxonomy. SteamBoat dispatches
// degradation callbacks by switching on Kind rather than asserting
// concrete error types.
type Kind int

const (
	// KindUnknown is the zero value; never produced by this package.
	KindUnknown Kind = iota
	// KindSubmitTaskError means the Executor rejected the task.
	KindSubmitTaskError
	// KindWindowHalfOpen means the Cabin's Window denied admission
	// during a half-open probe.
	KindWindowHalfOpen
	// KindWindowClosed means the Cabin's Window is tripped.
	KindWindowClosed
	// KindTimeoutReached means the Cabin's deadline supervisor
	// canceled the task before it completed.
	KindTimeoutReached
	// KindUserException means the submitted function returned an
	// error or panicked.
	KindUserException
	// KindShutDown means the Executor or Cabin was shut down.
	KindShutDown
	// KindInvalidState is raised by Future's arbiter when a caller
	// attempts an operation the state machine no longer permits. It
	// is consumed internally and never surfaced to application code
	// by this package's own components.
	KindInvalidState
	// KindWaitTimeout means a bounded wait on a Future expired
	// without the Future reaching a terminal state.
	KindWaitTimeout
	// KindAlreadyTerminal is raised when a second terminal
	// transition (SetResult/SetFailure/Cancel) is attempted on a
	// Future that already resolved, failed, or was canceled.
	KindAlreadyTerminal
)

func (k Kind) String() string {
	switch k {
	case KindSubmitTaskError:
		return "submit_task_error"
	case KindWindowHalfOpen:
		return "window_half_open"
	case KindWindowClosed:
		return "window_closed"
	case KindTimeoutReached:
		return "timeout_reached"
	case KindUserException:
		return "user_exception"
	case KindShutDown:
		return "shut_down"
	case KindInvalidState:
		return "invalid_state"
	case KindWaitTimeout:
		return "wait_timeout"
	case KindAlreadyTerminal:
		return "already_terminal"
	default:
		return "unknown"
	}
}

// Error wraps a failure with the Kind that classifies it, the Cabin or
// Executor name it originated from, and a timestamp. It implements
// Unwrap so errors.Is/errors.As work against the wrapped cause.
type Error struct {
	Timestamp time.Time
	Err       error
	Name      string
	Kind      Kind
}

func newError(kind Kind, name string, cause error) *Error {
	return &Error{Kind: kind, Name: name, Err: cause, Timestamp: time.Now()}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Name, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Kind)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is a *Error with the same Kind, letting
// callers write errors.Is(err, steamboat.ErrWindowClosed)-style checks
// against the package-level sentinels below.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// Sentinel *Error values usable with errors.Is to test the Kind of a
// returned error without inspecting the Name or wrapped cause.
var (
	ErrSubmitTaskError = &Error{Kind: KindSubmitTaskError}
	ErrWindowHalfOpen  = &Error{Kind: KindWindowHalfOpen}
	ErrWindowClosed    = &Error{Kind: KindWindowClosed}
	ErrTimeoutReached  = &Error{Kind: KindTimeoutReached}
	ErrUserException   = &Error{Kind: KindUserException}
	ErrShutDown        = &Error{Kind: KindShutDown}
	ErrInvalidState    = &Error{Kind: KindInvalidState}
	ErrWaitTimeout     = &Error{Kind: KindWaitTimeout}
	ErrAlreadyTerminal = &Error{Kind: KindAlreadyTerminal}
)

// ErrCanceled is returned by Future.Result/Failure when the Future was
// canceled directly (via Future.Cancel) rather than completed with a
// result or failure. Within steamboat's own Cabin/Executor plumbing,
// cancellation is always consumed by the StartOrCancel arbiter before a
// waiter observes it, so this surfaces only to direct Future users.
var ErrCanceled = errors.New("steamboat: future was canceled")

// ErrFull is returned by the built-in AbortPolicy reject handler when
// the Executor's queue has no room for a new TaskItem.
var ErrFull = errors.New("steamboat: queue is full")
