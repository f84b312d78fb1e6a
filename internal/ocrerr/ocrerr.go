// Package ocrerr defines the error kinds the runtime distinguishes and
// wraps them with github.com/pkg/errors, so a returnDetail propagated
// across a Policy Domain boundary keeps its stack and cause chain.
package ocrerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the design-level error kind carried in a message's returnDetail.
type Kind int

const (
	OK Kind = iota
	NoMemory
	InvalidArg
	PermissionDenied
	Busy
	Pending
	NotSupported
	Canceled
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case NoMemory:
		return "no-memory"
	case InvalidArg:
		return "invalid-arg"
	case PermissionDenied:
		return "permission-denied"
	case Busy:
		return "busy"
	case Pending:
		return "pending"
	case NotSupported:
		return "not-supported"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Recoverable reports whether the kind is one the PD is expected to retry
// internally (enqueue-and-replay) rather than surface to user code.
func (k Kind) Recoverable() bool { return k == Busy || k == Pending }

type Error struct {
	Kind Kind
	Op   string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Cause() error {
	if e.err != nil {
		return e.err
	}
	return e
}

// New wraps msg as a Kind-tagged error with a stack trace attached by
// pkg/errors, originating at op (the processMessage operation name, e.g.
// "DB_ACQUIRE").
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, err: errors.New(msg)}
}

// Wrap annotates an existing error with a Kind and an originating op,
// preserving its cause chain.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, err: errors.WithStack(err)}
}

// KindOf extracts the Kind carried by err, defaulting to NotSupported when
// err is not one of ours — an invariant violation in the caller, never a
// silent success.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return NotSupported
}
