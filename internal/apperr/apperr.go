// Package apperr defines the typed error kinds the engine surfaces to
// clients as error frames (see spec §7). Lower layers wrap errors with
// fmt.Errorf("...: %w", err) exactly as the rest of the codebase does;
// apperr exists so the session layer can recover the *kind* of a
// failure with errors.As instead of string-matching messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories spec §7 enumerates.
type Kind string

const (
	InvalidPath        Kind = "InvalidPath"
	NotFound           Kind = "NotFound"
	NotFoundInRevision Kind = "NotFoundInRevision"
	InvalidRevision    Kind = "InvalidRevision"
	HandleInUse        Kind = "HandleInUse"
	UnknownHandle      Kind = "UnknownHandle"
	MissingField       Kind = "MissingField"
	UnknownCommand     Kind = "UnknownCommand"
	CommitFailed       Kind = "CommitFailed"
	IoError            Kind = "IoError"
)

// Error pairs a Kind with the path it occurred on (if any) and an
// underlying cause.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Path)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no path and no wrapped cause.
func New(kind Kind, msg string) *Error {
	if msg == "" {
		return &Error{Kind: kind}
	}
	return &Error{Kind: kind, Err: fmt.Errorf("%s", msg)}
}

// Wrap builds an *Error for a given path, wrapping a lower-layer cause.
func Wrap(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
