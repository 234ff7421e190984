package repositories

import "fmt"

// ErrorKind tags a persistence failure category.
type ErrorKind int

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindNotFound
	ErrorKindConflict
	ErrorKindUnavailable
)

// Error is the concrete RepositoryError used by the in-memory registry and
// by implementations without a richer backend error to wrap.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// IsNotFound implements RepositoryError.
func (e *Error) IsNotFound() bool { return e != nil && e.Kind == ErrorKindNotFound }

// IsConflict implements RepositoryError.
func (e *Error) IsConflict() bool { return e != nil && e.Kind == ErrorKindConflict }

// IsUnavailable implements RepositoryError.
func (e *Error) IsUnavailable() bool { return e != nil && e.Kind == ErrorKindUnavailable }

// NewNotFound constructs a not-found repository error.
func NewNotFound(op, message string) *Error {
	return &Error{Kind: ErrorKindNotFound, Op: op, Message: message}
}

// NewConflict constructs a conflict repository error.
func NewConflict(op, message string) *Error {
	return &Error{Kind: ErrorKindConflict, Op: op, Message: message}
}
