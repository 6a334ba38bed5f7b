// Package memerr defines the error taxonomy shared by every component of the
// memory engine. Errors carry a Kind describing how callers should react,
// the failing operation, and the underlying cause.
package memerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for handling policy.
type Kind int

const (
	// KindUnknown is the zero value; errors without a taxonomy kind.
	KindUnknown Kind = iota

	// KindConfig is invalid or missing required configuration. Fatal at init.
	KindConfig

	// KindScope means no scope id was provided to a scoped operation.
	KindScope

	// KindUpstream is any failure from the LLM, embedder, or vector store
	// backend.
	KindUpstream

	// KindDimension means an embedding's size disagrees with the configured
	// dimension. Fatal to the call.
	KindDimension

	// KindNotFound is a get/update/delete on a nonexistent id. Delete is
	// idempotent and never raises it.
	KindNotFound

	// KindParse means the tolerant parser could not recover LLM output.
	KindParse

	// KindTransient is a batch-flush conflict or temporary I/O error,
	// retried internally once before surfacing.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindScope:
		return "scope"
	case KindUpstream:
		return "upstream"
	case KindDimension:
		return "dimension"
	case KindNotFound:
		return "not_found"
	case KindParse:
		return "parse"
	case KindTransient:
		return "transient"
	}
	return "unknown"
}

// Error is the concrete taxonomy error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so
// errors.Is(err, &Error{Kind: KindNotFound}) works across wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E builds a taxonomy error wrapping err.
func E(op string, kind Kind, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a taxonomy error from a format string.
func Errorf(op string, kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the taxonomy kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func is(err error, k Kind) bool { return KindOf(err) == k }

func IsConfig(err error) bool    { return is(err, KindConfig) }
func IsScope(err error) bool     { return is(err, KindScope) }
func IsUpstream(err error) bool  { return is(err, KindUpstream) }
func IsDimension(err error) bool { return is(err, KindDimension) }
func IsNotFound(err error) bool  { return is(err, KindNotFound) }
func IsParse(err error) bool     { return is(err, KindParse) }
func IsTransient(err error) bool { return is(err, KindTransient) }
