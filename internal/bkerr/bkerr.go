// Package bkerr defines the error taxonomy crossed at each component
// boundary. A component wraps its local error in the matching Kind before
// returning it; the orchestrator is the only place that translates a Kind
// into a durable JobStatus of Failed.
package bkerr

import (
	"errors"
	"fmt"
)

// Kind tags an error with the boundary it crossed.
type Kind int

const (
	// KindConfiguration is an invalid or missing required setting. Fatal at startup.
	KindConfiguration Kind = iota
	// KindAdapterInit means the device source could not be opened. Fatal at startup.
	KindAdapterInit
	// KindMount means a mkdir/mount syscall failed; the device is skipped.
	KindMount
	// KindTransfer means the transfer engine failed or the device disappeared mid-copy.
	KindTransfer
	// KindVerification means one or more files failed content verification.
	KindVerification
	// KindPersistence means a durable write failed.
	KindPersistence
	// KindOwnership means the post-copy chown step failed.
	KindOwnership
	// KindRPC means a request-scoped RPC error; never fatal to the daemon.
	KindRPC
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAdapterInit:
		return "adapter_init"
	case KindMount:
		return "mount"
	case KindTransfer:
		return "transfer"
	case KindVerification:
		return "verification"
	case KindPersistence:
		return "persistence"
	case KindOwnership:
		return "ownership"
	case KindRPC:
		return "rpc"
	default:
		return "unknown"
	}
}

// Error is a component-local error tagged with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap tags err with kind. Returns nil if err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Wrapf tags a formatted error with kind.
func Wrapf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var tagged *Error
	for errors.As(err, &tagged) {
		if tagged.Kind == kind {
			return true
		}
		err = tagged.Err
		if err == nil {
			return false
		}
	}
	return false
}
