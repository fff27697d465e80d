package media

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies acquisition failures.
type ErrorKind int

const (
	PermissionDenied ErrorKind = iota + 1
	DeviceUnavailable
	UnsupportedContext
)

func (k ErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "PermissionDenied"
	case DeviceUnavailable:
		return "DeviceUnavailable"
	case UnsupportedContext:
		return "UnsupportedContext"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is an acquisition failure of a given kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind carried by err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var merr *Error
	if errors.As(err, &merr) {
		return merr.Kind, true
	}
	return 0, false
}

var (
	ErrReleased       = errors.New("media manager released")
	ErrNoStream       = errors.New("no local stream acquired")
	ErrNoTrack        = errors.New("no track of that kind")
	ErrNoConstraints  = errors.New("neither audio nor video requested")
	ErrAlreadySharing = errors.New("screen share already active")
	ErrNotSharing     = errors.New("screen share not active")
)

// classify maps an arbitrary source error onto the taxonomy. Context
// cancellation passes through untouched.
func classify(err error) error {
	if _, ok := KindOf(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewError(DeviceUnavailable, err)
}
