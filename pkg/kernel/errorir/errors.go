// Package errorir is the canonical error representation for kernel results.
//
// Every failure that crosses the action boundary is an *Error carrying a Kind,
// a wire code, a category and a retriable flag. Components construct errors
// with the helpers below; the dispatcher converts any error with From.
package errorir

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind is the error taxonomy shared by every kernel component.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindNotAuthorized     Kind = "not_authorized"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindInvalidArgument   Kind = "invalid_argument"
	KindTimeout           Kind = "timeout"
	KindRuntimeError      Kind = "runtime_error"
	KindDeleted           Kind = "deleted"
	KindNotExecutable     Kind = "not_executable"
)

// Category constants
const (
	CategoryResource   = "resource"
	CategoryPermission = "permission"
	CategoryValidation = "validation"
	CategoryExecution  = "execution"
)

type classification struct {
	category  string
	retriable bool
}

var classes = map[Kind]classification{
	KindNotFound:          {CategoryValidation, false},
	KindNotAuthorized:     {CategoryPermission, false},
	KindInsufficientFunds: {CategoryResource, true},
	KindQuotaExceeded:     {CategoryResource, true},
	KindInvalidArgument:   {CategoryValidation, false},
	KindTimeout:           {CategoryExecution, true},
	KindRuntimeError:      {CategoryExecution, false},
	KindDeleted:           {CategoryValidation, false},
	KindNotExecutable:     {CategoryExecution, false},
}

// Error is a classified kernel error.
type Error struct {
	Kind      Kind           `json:"error_code"`
	Category  string         `json:"error_category"`
	Retriable bool           `json:"retriable"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"error_details,omitempty"`
	cause     error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrNotAuthorized     = &Error{Kind: KindNotAuthorized}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrQuotaExceeded     = &Error{Kind: KindQuotaExceeded}
	ErrInvalidArgument   = &Error{Kind: KindInvalidArgument}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrRuntime           = &Error{Kind: KindRuntimeError}
	ErrDeleted           = &Error{Kind: KindDeleted}
	ErrNotExecutable     = &Error{Kind: KindNotExecutable}
)

// New builds an error of the given kind with the default classification.
func New(kind Kind, format string, args ...any) *Error {
	c, ok := classes[kind]
	if !ok {
		kind = KindRuntimeError
		c = classes[KindRuntimeError]
	}
	return &Error{
		Kind:      kind,
		Category:  c.category,
		Retriable: c.retriable,
		Message:   fmt.Sprintf(format, args...),
	}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Code returns the wire error code.
func (e *Error) Code() string { return string(e.Kind) }

// Is matches sentinels (no message) by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

func (e *Error) Unwrap() error { return e.cause }

// With attaches a detail key and returns the receiver.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Wrap records an underlying cause.
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

// AsRetriable overrides the default retriable flag, e.g. for optimistic
// commit conflicts that resolve on retry.
func (e *Error) AsRetriable(retriable bool) *Error {
	e.Retriable = retriable
	return e
}

// NotFound reports a missing target.
func NotFound(what, id string) *Error {
	return New(KindNotFound, "%s %q not found", what, id).With("id", id)
}

// NotAuthorized reports a permission denial.
func NotAuthorized(format string, args ...any) *Error {
	return New(KindNotAuthorized, format, args...)
}

// InsufficientFunds reports a scrip shortfall.
func InsufficientFunds(principal string, need, have int64) *Error {
	return New(KindInsufficientFunds, "insufficient_scrip: %s has %d, needs %d", principal, have, need).
		With("resource", "scrip").
		With("principal_id", principal).
		With("required", need).
		With("available", have)
}

// InsufficientResource reports a stock-resource shortfall (insufficient_<resource>).
func InsufficientResource(principal, resource string, need, have any) *Error {
	return New(KindInsufficientFunds, "insufficient_%s: %s has %v, needs %v", resource, principal, have, need).
		With("resource", resource).
		With("principal_id", principal).
		With("required", need).
		With("available", have)
}

// QuotaExceeded reports a storage or rate quota breach.
func QuotaExceeded(resource, principal string, format string, args ...any) *Error {
	return New(KindQuotaExceeded, format, args...).
		With("resource", resource).
		With("principal_id", principal)
}

// InvalidArgument reports malformed input.
func InvalidArgument(format string, args ...any) *Error {
	return New(KindInvalidArgument, format, args...)
}

// Timeout reports an execution budget breach.
func Timeout(format string, args ...any) *Error {
	return New(KindTimeout, format, args...)
}

// Runtime reports a failure raised by artifact code or an internal fault.
func Runtime(format string, args ...any) *Error {
	return New(KindRuntimeError, format, args...)
}

// Deleted reports an operation on a tombstoned artifact.
func Deleted(id string) *Error {
	return New(KindDeleted, "artifact %q is deleted", id).With("id", id)
}

// NotExecutable reports an invoke against an artifact without code.
func NotExecutable(id string) *Error {
	return New(KindNotExecutable, "artifact %q is not executable", id).With("id", id)
}

// From classifies any error. Context deadline errors become timeouts and
// anything unrecognised becomes a runtime error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout("execution deadline exceeded").Wrap(err)
	}
	if errors.Is(err, context.Canceled) {
		return Runtime("execution cancelled").Wrap(err)
	}
	return Runtime("%s", err.Error()).Wrap(err)
}

// KindOf returns the kind of err, or "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return From(err).Kind
}

// Kinds lists every kind in wire-code order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(classes))
	for k := range classes {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Classify returns the category and retriable flag for a kind.
func Classify(kind Kind) (category string, retriable bool) {
	c, ok := classes[kind]
	if !ok {
		c = classes[KindRuntimeError]
	}
	return c.category, c.retriable
}

// Summary renders a compact message for logs, e.g. "not_found(id=x)".
func (e *Error) Summary() string {
	if len(e.Details) == 0 {
		return string(e.Kind)
	}
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Details[k]))
	}
	return string(e.Kind) + "(" + strings.Join(parts, ",") + ")"
}
