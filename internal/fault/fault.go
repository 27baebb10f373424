package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry decisions and API reporting.
type Kind string

const (
	// KindInput covers missing, unreadable, or corrupt dumps and
	// unsupported container formats. Never retried.
	KindInput Kind = "input"
	// KindProfile means the dump's OS/build profile could not be determined.
	KindProfile Kind = "profile"
	// KindEngineTransient covers engine timeouts and resource exhaustion;
	// the orchestrator retries these with backoff.
	KindEngineTransient Kind = "engine_transient"
	// KindEngineTerminal covers engine crashes and malformed output.
	KindEngineTerminal Kind = "engine_terminal"
	// KindStore covers persistence I/O failures.
	KindStore Kind = "store"
	// KindConcurrencyTimeout means a queued request exceeded its max wait.
	KindConcurrencyTimeout Kind = "concurrency_timeout"
)

// Error carries a kind plus the operation that produced it. Raw engine
// output never crosses the facade boundary; only Msg and Kind do.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two fault errors by kind so callers can use
// errors.Is(err, &Error{Kind: KindInput}).
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return fe.Kind == e.Kind
}

// New creates an error with a kind and a human-readable message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf is New with formatting.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an underlying error. A nil err
// yields nil so call sites can wrap unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		// Preserve the original classification; only record the outer op.
		return &Error{Kind: fe.Kind, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from an error chain, or "" for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Retryable reports whether the orchestrator may retry the failed step.
func Retryable(err error) bool {
	return KindOf(err) == KindEngineTransient
}
