package sealog

import (
	"errors"
	"fmt"
	"io/fs"

	"southwinds.dev/sealog/keystore"
)

// ErrorKind classifies failures into the machine-readable categories that
// recovery and re-encryption results report.
type ErrorKind string

const (
	// ErrorKindFormat covers malformed lines, wrong field lengths and bad encodings.
	ErrorKindFormat ErrorKind = "format_error"

	// ErrorKindKey covers key not found, store unavailable and permission denied.
	ErrorKindKey ErrorKind = "key_unavailable"

	// ErrorKindIntegrity covers authentication-tag verification failures:
	// the entry is tampered with or was sealed under a different key.
	ErrorKindIntegrity ErrorKind = "integrity_error"

	// ErrorKindIO covers missing files, permission errors and disk exhaustion.
	ErrorKindIO ErrorKind = "io_error"

	// ErrorKindTimeout covers exceeded retry or queue bounds.
	ErrorKindTimeout ErrorKind = "timeout"
)

// Error is a classified failure. It wraps the underlying cause so callers
// can use errors.Is / errors.As as usual.
type Error struct {
	Kind ErrorKind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func wrapError(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, msg: msg, err: err}
}

// KindOf classifies an arbitrary error into an ErrorKind. Classified errors
// report their own kind; key store and filesystem errors map to the key,
// timeout and I/O kinds; anything else is treated as a format problem.
func KindOf(err error) ErrorKind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	switch {
	case errors.Is(err, keystore.ErrTimeout):
		return ErrorKindTimeout
	case errors.Is(err, keystore.ErrNotFound),
		errors.Is(err, keystore.ErrUnavailable),
		errors.Is(err, keystore.ErrPermission):
		return ErrorKindKey
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return ErrorKindIO
	default:
		return ErrorKindFormat
	}
}
