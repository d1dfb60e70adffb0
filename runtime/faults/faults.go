// Package faults classifies failures crossing component boundaries into a
// small set of kinds suitable for policy decisions: which failures degrade a
// retrieval bundle, which fail an ingestion job, and which surface to the
// caller unchanged. Fault errors preserve the underlying chain and support
// errors.Is/As.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Kinds are stable strings; backend failure tags
// on retrieval bundles embed them verbatim (for example "supabase:AuthError").
type Kind string

const (
	// KindConfiguration indicates a required setting is missing or invalid.
	// Surfaces at the request boundary as service-unavailable.
	KindConfiguration Kind = "ConfigurationError"

	// KindAuth indicates an invalid or missing credential. Never propagated
	// into the core; remote adapters map 401/403 responses to it.
	KindAuth Kind = "AuthError"

	// KindParsing indicates ingestion could not read an uploaded file. The
	// owning job transitions to failed with the fault message.
	KindParsing Kind = "ParsingError"

	// KindBackendFailure indicates a remote vector or graph store call
	// failed. It is tagged onto the retrieval bundle and never raised to the
	// client; the engine falls back to local data.
	KindBackendFailure Kind = "BackendFailure"

	// KindCriticFailure indicates the critic model returned malformed
	// output. Treated as "do not refine".
	KindCriticFailure Kind = "CriticFailure"

	// KindBudgetExceeded indicates the planner step budget blocked
	// execution. Produces the planner_budget_exceeded envelope policy.
	KindBudgetExceeded Kind = "BudgetExceeded"

	// KindUnsupported indicates an upload content type outside the allowed
	// set.
	KindUnsupported Kind = "Unsupported"
)

// Error is a classified failure. The zero value is not valid; construct with
// New or Wrap.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

// New returns a fault of the given kind with a fixed message.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf returns a fault of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The fault message falls back to the
// cause's message when msg is empty.
func Wrap(kind Kind, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{kind: kind, msg: msg, cause: cause}
}

// Kind returns the fault classification.
func (e *Error) Kind() Kind { return e.kind }

// Message returns the fault message without the kind prefix or cause chain.
// Ingestion surfaces it verbatim as the failed job's error message.
func (e *Error) Message() string { return e.msg }

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

// Unwrap returns the underlying cause to preserve the error chain.
func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the kind of the first fault in err's chain. Unclassified
// errors, including context deadline and cancellation, map to
// KindBackendFailure: on the paths that call KindOf they are remote-call
// outcomes.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindBackendFailure
}

// Tag renders a bundle failure tag for the named backend, embedding the
// classified kind of err (for example "neo4j:BackendFailure").
func Tag(backend string, err error) string {
	return backend + ":" + string(KindOf(err))
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind == kind
	}
	return false
}
