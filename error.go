package tlspump

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies stream faults.
type ErrorKind uint8

// Error kinds
const (
	KindIO ErrorKind = iota + 1
	KindAuthentication
	KindMisuse
	KindCanceled
	KindDisposed
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindAuthentication:
		return "authentication"
	case KindMisuse:
		return "misuse"
	case KindCanceled:
		return "canceled"
	case KindDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Error is returned by Stream operations.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("tlspump: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("tlspump: %v", e.Err)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Cause returns the cause for github.com/pkg/errors.Cause.
func (e *Error) Cause() error {
	return e.Err
}

// Timeout reports whether the cause is a timeout.
func (e *Error) Timeout() bool {
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{
		Kind: kind,
		Op:   op,
		Err:  err,
	}
}

// Causes wrapped by Error.
var (
	ErrNestedCall               = errors.New("another operation of the same kind is in progress")
	ErrAlreadyAuthenticated     = errors.New("already authenticated")
	ErrNotAuthenticated         = errors.New("not authenticated")
	ErrShutdown                 = errors.New("write after shutdown")
	ErrPrematureClose           = errors.New("transport closed in the middle of a record")
	ErrDisposed                 = errors.New("stream closed")
	ErrRenegotiationUnsupported = errors.New("renegotiation not supported")
	ErrBufferExceeded           = errors.New("buffer limit exceeded")

	errEngineStalled = errors.New("engine wants more input without requesting any")
	errEngineRead    = errors.New("engine read input during a write")
)

// KindOf returns the kind of a stream error, or zero if err is not one.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// engineFault wraps an error returned by the engine.
// Stream errors of other kinds pass through.
func engineFault(op string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(KindAuthentication, op, errors.WithStack(err))
}

// transportFault wraps an error returned by the transport.
// The error is reported as a cancellation when ctx is done.
func transportFault(ctx context.Context, op string, err error) *Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return newError(KindCanceled, op, errors.WithMessage(ctxErr, err.Error()))
	}
	return newError(KindIO, op, errors.WithStack(err))
}

func misuse(op string, err error) *Error {
	return newError(KindMisuse, op, err)
}
