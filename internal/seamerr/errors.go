// Package seamerr implements the runtime's error taxonomy (spec §7): a
// single Error struct whose Kind names the error family, wrapping an
// optional cause and carrying
// enough context (entity path, kind) to be logged usefully, with Unwrap
// support for errors.Is/As.
package seamerr

import "fmt"

// Kind classifies an error by the taxonomy in spec §7. Callers branch on Kind
// to decide whether to abort a macro-mode scope, log a warning, or leave the
// graph live.
type Kind string

const (
	// Validation: a value failed dtype construct/parse/validate. Recovered
	// locally; the cell keeps its previous value and status becomes ERROR.
	Validation Kind = "validation"
	// Authority: a pin write into an authoritative cell. Hard error. A direct
	// write to a non-authoritative cell is only logged as a warning, and a
	// second non-duplex incoming connection is reported as Structure.
	Authority Kind = "authority"
	// Structure: destroyed-entity access, slave write without force, type
	// mismatch on connection. Hard error; aborts the enclosing macro scope.
	Structure Kind = "structure"
	// Execution: a worker runtime raised while executing. Captured on the
	// worker and surfaced via its Exception(); downstream cells are untouched.
	Execution Kind = "execution"
	// Mount: file I/O failure in the (external) mount sink. Never fatal.
	Mount Kind = "mount"
)

// Error is the single error type the runtime returns; Kind selects the
// taxonomy branch so callers can pattern-match without a type switch per kind.
type Error struct {
	Kind    Kind
	Path    string // dotted path of the entity involved, if any
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	se, ok := err.(*Error)
	return ok && se.Kind == kind
}

func New(kind Kind, path, message string) *Error {
	return &Error{Kind: kind, Path: path, Message: message}
}

func Wrap(kind Kind, path, message string, cause error) *Error {
	return &Error{Kind: kind, Path: path, Message: message, Cause: cause}
}

func Validationf(path, format string, args ...any) *Error {
	return New(Validation, path, fmt.Sprintf(format, args...))
}

func Structuref(path, format string, args ...any) *Error {
	return New(Structure, path, fmt.Sprintf(format, args...))
}

func Authorityf(path, format string, args ...any) *Error {
	return New(Authority, path, fmt.Sprintf(format, args...))
}
