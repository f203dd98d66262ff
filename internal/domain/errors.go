package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is a machine-readable error category.
type ErrorKind string

const (
	KindInvalidInput           ErrorKind = "invalid_input"
	KindConnectionTimeout      ErrorKind = "connection_timeout"
	KindPartialSubmission      ErrorKind = "partial_submission_failure"
	KindReconciliationMismatch ErrorKind = "reconciliation_mismatch"
	KindUnprotectedPosition    ErrorKind = "unprotected_position_detected"
	KindBrokerError            ErrorKind = "broker_error"
	KindEntryRejected          ErrorKind = "entry_rejected"
)

// Bracket legs named in partial failures.
const (
	LegParent = "parent"
	LegStop   = "stop"
)

// Error is the structured error returned by every caller-facing operation.
type Error struct {
	Kind   ErrorKind
	Op     string
	Symbol string
	Leg    string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Symbol != "" {
		fmt.Fprintf(&b, " [%s]", e.Symbol)
	}
	if e.Leg != "" {
		fmt.Fprintf(&b, " (leg=%s)", e.Leg)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around a cause.
func Wrap(kind ErrorKind, op, symbol string, err error) *Error {
	return &Error{Kind: kind, Op: op, Symbol: symbol, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// Transient reports whether err may succeed on retry: connection and broker
// failures and errors without a kind are transient, rejected input is not.
func Transient(err error) bool {
	switch KindOf(err) {
	case "", KindConnectionTimeout, KindBrokerError:
		return true
	}
	return false
}

// Issue is a non-fatal monitoring signal produced by reconciliation.
type Issue struct {
	Kind    ErrorKind `json:"kind"`
	Symbol  string    `json:"symbol"`
	Message string    `json:"message"`
}
