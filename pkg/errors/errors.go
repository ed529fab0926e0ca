// Package errors defines the kernel-wide error taxonomy (see the design
// notes on error handling): every recoverable subsystem error returns a
// *KernelError carrying one of the Kind values below. CPU exceptions and
// other fatal conditions are not modeled as errors at all; see pkg/idt and
// pkg/console for the print-and-halt path.
package errors

import (
	stdliberrors "errors"
	"fmt"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// Kind is one of the semantic error kinds a subsystem can return.
type Kind int

const (
	InvalidArgument Kind = iota
	NotFound
	PermissionDenied
	Busy
	TimedOut
	OutOfMemory
	OutOfSpace
	IoError
	NotSupported
	Fatal
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid argument"
	case NotFound:
		return "not found"
	case PermissionDenied:
		return "permission denied"
	case Busy:
		return "busy"
	case TimedOut:
		return "timed out"
	case OutOfMemory:
		return "out of memory"
	case OutOfSpace:
		return "out of space"
	case IoError:
		return "i/o error"
	case NotSupported:
		return "not supported"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// KernelError carries a Kind alongside an operation name, message, and
// optional wrapped cause.
type KernelError struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *KernelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *KernelError) Unwrap() error { return e.Err }

// Of reports the Kind carried by err, if any, and whether one was found.
func Of(err error) (Kind, bool) {
	var ke *KernelError
	if As(err, &ke) {
		return ke.Kind, true
	}
	return 0, false
}

// KindIs reports whether err (or something it wraps) carries Kind k.
func KindIs(err error, k Kind) bool {
	kind, ok := Of(err)
	return ok && kind == k
}

func Newf(kind Kind, op, msg string, args ...any) *KernelError {
	return &KernelError{Kind: kind, Op: op, Msg: fmt.Sprintf(msg, args...)}
}

func Wrap(kind Kind, op, msg string, err error) *KernelError {
	return &KernelError{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Retryable marks conditions worth a caller-side retry (capacity exhaustion,
// deadline not yet reached, transient i/o) without forcing a type switch.

func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	text string
}

func (r *retryableError) Error() string {
	return r.text
}

func (r *retryableError) Retryable() {}
