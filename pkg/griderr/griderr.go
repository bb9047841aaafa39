// Package griderr defines the error taxonomy shared by the grid components.
//
// Stores return plain sentinel errors; the component layer (registry,
// ledger, scheduler) wraps them into an *Error carrying a Kind so the HTTP
// collaborator can map failures to status codes without string matching.
package griderr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure
type Kind int

const (
	Internal Kind = iota
	NotFound
	InvalidInput
	InvalidTransition
	NoCapacity
	ChainIntegrity
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case InvalidInput:
		return "invalid_input"
	case InvalidTransition:
		return "invalid_transition"
	case NoCapacity:
		return "no_capacity"
	case ChainIntegrity:
		return "chain_integrity"
	default:
		return "internal"
	}
}

// Error is a classified failure raised by a component operation
type Error struct {
	Op   string // operation that failed, e.g. "scheduler.AssignTask"
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with an operation name and kind
func E(op string, kind Kind, err error) error {
	if err == nil {
		err = errors.New(kind.String())
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string
func Errorf(op string, kind Kind, format string, args ...interface{}) error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain.
// Unclassified errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
