// Package perr defines the error taxonomy shared by every core component.
//
// Errors are tagged with a Kind rather than represented as distinct Go
// types, so callers test for a failure mode with errors.Is against a
// sentinel rather than a type switch.
package perr

import (
	"errors"
	"fmt"
)

// Kind identifies a failure mode from the taxonomy in spec §7.
type Kind string

const (
	// Validation
	InvalidRevision     Kind = "InvalidRevision"
	InvalidBatch        Kind = "InvalidBatch"
	PerspectiveMismatch Kind = "PerspectiveMismatch"

	// Structural
	ParentMissing     Kind = "ParentMissing"
	VersionExists     Kind = "VersionExists"
	NotExactlyOneHead Kind = "NotExactlyOneHead"
	RootPreceded      Kind = "RootPreceded"
	MissingPerspective Kind = "MissingPerspective"

	// Merge
	NoLca              Kind = "NoLca"
	MultipleLcas       Kind = "MultipleLcas"
	MergeConflict      Kind = "MergeConflict"
	IdMismatch         Kind = "IdMismatch"
	MissingVersion     Kind = "MissingVersion"
	LcaVersionMismatch Kind = "LcaVersionMismatch"

	// Replication
	OffsetNotFound Kind = "OffsetNotFound"
	QueueFull      Kind = "QueueFull"

	// Resource
	StoreUnavailable  Kind = "StoreUnavailable"
	SourceUnavailable Kind = "SourceUnavailable"
)

// Error is a kind-tagged, wrappable error.
type Error struct {
	Kind    Kind
	Msg     string
	Wrapped error

	// Fields, set only for MergeConflict: the names of the fields that
	// could not be reconciled by the three-way merge.
	Fields []string
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Wrapped)
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is lets errors.Is(err, perr.New(KindX, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, msg string, args ...any) *Error {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error of the given kind wrapping a lower-level error.
func Wrap(kind Kind, err error, msg string, args ...any) *Error {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return &Error{Kind: kind, Msg: msg, Wrapped: err}
}

// Conflict constructs a MergeConflict error carrying the conflicting fields.
func Conflict(fields []string) *Error {
	return &Error{Kind: MergeConflict, Msg: fmt.Sprintf("conflicting fields: %v", fields), Fields: fields}
}

// Of returns a zero-value sentinel of the given kind, suitable for errors.Is.
func Of(kind Kind) *Error { return &Error{Kind: kind} }

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, Of(kind))
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
