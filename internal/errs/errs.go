// Package errs defines the error taxonomy shared by every core component.
// Each Kind corresponds to one row of the error table in the design doc;
// callers test membership with Is rather than comparing strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a core error.
type Kind string

const (
	// EncryptOnly is raised when decrypt/compare is requested without secret material.
	EncryptOnly Kind = "encrypt_only"
	// WrongPassword is raised when a key-unwrap verification tag does not match.
	WrongPassword Kind = "wrong_password"
	// Tampered is raised when an AEAD tag fails to validate.
	Tampered Kind = "tampered"
	// WeakPassword is raised when a password fails policy on write.
	WeakPassword Kind = "weak_password"
	// CorruptCiphertext is raised when decompression or deserialization fails.
	CorruptCiphertext Kind = "corrupt_ciphertext"
	// NotFound is raised when an id is not present in the Records table.
	NotFound Kind = "not_found"
	// DbError wraps an underlying persistence failure.
	DbError Kind = "db_error"
	// IoError wraps a file or archive I/O failure.
	IoError Kind = "io_error"
	// Malformed is raised when input is shorter than its required header.
	Malformed Kind = "malformed"
	// UnsupportedVersion is raised for an unrecognized key-file version byte.
	UnsupportedVersion Kind = "unsupported_version"
	// ComparisonFailed is the single opaque error surfaced by equality/range
	// comparators; internal detail is logged, never returned to the caller.
	ComparisonFailed Kind = "comparison_failed"
)

// Error is the concrete error type returned by core packages.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(op string, kind Kind) error {
	return &Error{Op: op, Kind: kind}
}

// Wrap builds an *Error wrapping an underlying cause.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, returning "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
