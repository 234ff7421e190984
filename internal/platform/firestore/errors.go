package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorKind classifies backend failures for the repositories layer.
type ErrorKind int

const (
	// KindUnknown covers failures with no better classification.
	KindUnknown ErrorKind = iota
	// KindNotFound marks a missing document.
	KindNotFound
	// KindConflict marks a lost write race or failed precondition.
	KindConflict
	// KindUnavailable marks a transient backend outage worth retrying.
	KindUnavailable
)

// Error annotates a Firestore failure with an operation label and a kind.
type Error struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether the error represents a missing document.
func (e *Error) IsNotFound() bool { return e != nil && e.Kind == KindNotFound }

// IsConflict reports whether the error represents a conflicting update.
func (e *Error) IsConflict() bool { return e != nil && e.Kind == KindConflict }

// IsUnavailable reports whether the error represents a transient outage.
func (e *Error) IsUnavailable() bool { return e != nil && e.Kind == KindUnavailable }

// WrapError maps gRPC status codes onto repository error kinds. Context
// cancellations pass through unwrapped so callers can errors.Is them.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var existing *Error
	if errors.As(err, &existing) {
		if op != "" && existing.Op == "" {
			existing.Op = op
		}
		return existing
	}

	kind := KindUnknown
	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.NotFound:
		kind = KindNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		kind = KindConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal:
		kind = KindUnavailable
	}
	return &Error{Op: op, Kind: kind, Err: err}
}
