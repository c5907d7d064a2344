package worker

import (
	"errors"
	"fmt"
)

// Kind classifies a worker failure.
type Kind string

const (
	KindLaunch          Kind = "launch"
	KindWrite           Kind = "write"
	KindShortRead       Kind = "short_read"
	KindStreamClosed    Kind = "stream_closed"
	KindTimeout         Kind = "timeout"
	KindInvalidResponse Kind = "invalid_response"
	KindStop            Kind = "stop"
)

// Fatal reports whether an exchange failure of this kind ends the worker.
// A short read or a bad start byte is reported and the worker keeps ticking.
func (k Kind) Fatal() bool {
	switch k {
	case KindWrite, KindStreamClosed, KindTimeout:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrLaunch          = &Error{Kind: KindLaunch}
	ErrWrite           = &Error{Kind: KindWrite}
	ErrShortRead       = &Error{Kind: KindShortRead}
	ErrStreamClosed    = &Error{Kind: KindStreamClosed}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrInvalidResponse = &Error{Kind: KindInvalidResponse}
	ErrStop            = &Error{Kind: KindStop}
)

// Error is a classified failure of one worker.
type Error struct {
	Kind     Kind
	WorkerID int
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("worker %d: %s", e.WorkerID, e.Kind)
	}
	return fmt.Sprintf("worker %d: %s: %v", e.WorkerID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return ""
}
