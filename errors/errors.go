package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Kind classifies a failure so callers can decide how it surfaces: protocol
// errors become JSON-RPC error responses, user errors become plain text
// updates, and everything else degrades without failing the prompt.
type Kind int

const (
	KindUnknown Kind = iota
	// KindProtocol covers unknown methods, bad or missing sessions and
	// version mismatches. Surfaced as a protocol error response.
	KindProtocol
	// KindValidation covers structurally invalid planner calls. Dropped
	// from their batch and summarized in notes.
	KindValidation
	// KindRange covers out-of-domain numeric values. Clamped in place.
	KindRange
	// KindTransport covers planner transport failures (timeout, rate
	// limit, network). Retried, then the deterministic planner takes over.
	KindTransport
	// KindUser covers caller mistakes like prompting with no image loaded.
	// Reported as a text update; the prompt still completes normally.
	KindUser
)

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", callerRef(), fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", callerRef(), fmt.Sprintf(format, a...), err)
}

// E creates a new classified error with file and line number information.
func E(kind Kind, format string, a ...interface{}) error {
	return &kindError{
		kind: kind,
		err:  fmt.Errorf("[%s] %s", callerRef(), fmt.Sprintf(format, a...)),
	}
}

// WithKind classifies an existing error. A nil error stays nil.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf walks the error chain and returns the first classification found,
// or KindUnknown when the error carries none.
func KindOf(err error) Kind {
	var ke *kindError
	if stderrors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

func callerRef() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
