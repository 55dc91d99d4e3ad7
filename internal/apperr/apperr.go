// Package apperr classifies pipeline errors into the four categories a
// scheduler needs to decide retry-vs-DLQ-vs-quarantine: transient,
// data, configuration, and invariant-violation failures.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy described in the error handling design.
type Kind int

const (
	// Transient covers network errors, temporary DB errors, and
	// provider throttling. The correlator consumer Naks these for
	// redelivery; no caller writes a dead-letter entry for them.
	Transient Kind = iota
	// Data covers malformed mail, schema validation failure, and regex
	// compile failure on LLM output. Never retried.
	Data
	// Configuration covers invalid parser rules and unknown severity
	// mappings. Fails fast at load time.
	Configuration
	// Invariant covers unique-index collisions and negative counters.
	// The correlator consumer logs it and terminates the message; no
	// dead-letter entry is written.
	Invariant
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Data:
		return "data"
	case Configuration:
		return "configuration"
	case Invariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind so callers can switch on
// it without string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind and operation name. Returns nil if
// err is nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transientf builds a Transient error from a format string.
func Transientf(op, format string, args ...any) error {
	return New(Transient, op, fmt.Errorf(format, args...))
}

// Dataf builds a Data error from a format string.
func Dataf(op, format string, args ...any) error {
	return New(Data, op, fmt.Errorf(format, args...))
}

// Invariantf builds an Invariant error from a format string.
func Invariantf(op, format string, args ...any) error {
	return New(Invariant, op, fmt.Errorf(format, args...))
}

// KindOf extracts the Kind of err, defaulting to Transient for errors
// that were never classified — an unclassified failure is safer to
// retry than to silently drop or quarantine.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}
