// Package errs implements the error taxonomy of spec.md §7: a fixed set of
// Kinds with a defined propagation policy, wrapping causes with
// github.com/pkg/errors so call-site context survives across layers.
package errs

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
)

// Kind is one of the nine error categories spec.md §7 defines.
type Kind string

const (
	Validation Kind = "VALIDATION"
	Auth       Kind = "AUTH"
	NotFound   Kind = "NOT_FOUND"
	Conflict   Kind = "CONFLICT"
	Escrow     Kind = "ESCROW"
	Dependency Kind = "DEPENDENCY"
	Consensus  Kind = "CONSENSUS"
	Integrity  Kind = "INTEGRITY"
	RateLimit  Kind = "RATE_LIMIT"
)

// Retryable reports whether the core may retry an operation that failed
// with this Kind, per spec.md §7's propagation policy.
func (k Kind) Retryable() bool { return k == Dependency }

// HTTPStatus maps a Kind to the status code the RPC surface returns.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case Auth:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Escrow:
		return http.StatusPaymentRequired
	case Dependency:
		return http.StatusServiceUnavailable
	case Consensus, Integrity:
		return http.StatusUnprocessableEntity
	case RateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error every core operation returns. It satisfies
// the standard error interface and unwraps to its wrapped cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a fresh *Error with a call-site-attached stack via pkg/errors.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: errors.New(message)}
}

// Wrap attaches kind/code context to an existing error, preserving its
// stack trace per pkg/errors semantics.
func Wrap(err error, kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: errors.Wrap(err, message)}
}

// WithDetails attaches structured detail fields and returns the receiver
// for chaining at the call site.
func (e *Error) WithDetails(d map[string]interface{}) *Error {
	e.Details = d
	return e
}

// envelope is the wire shape of spec.md §7's `{ error: { code, message,
// details? } }` response body.
type envelope struct {
	Error struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

// MarshalJSON renders the client-facing envelope, never the internal
// wrapped cause or stack trace.
func (e *Error) MarshalJSON() ([]byte, error) {
	var env envelope
	env.Error.Code = e.Code
	env.Error.Message = e.Message
	env.Error.Details = e.Details
	return json.Marshal(env)
}

// As reports whether err (or any error in its chain) is an *Error, mirroring
// the standard library's errors.As contract.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else "".
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

var (
	ErrReplay       = New(Conflict, "REPLAY", "receipt_id already included")
	ErrJobExpired   = New(Conflict, "JOB_EXPIRED", "job deadline has passed")
	ErrAuthFailed   = New(Auth, "AUTH_FAILED", "api key or signature invalid")
	ErrInsufficient = New(Escrow, "INSUFFICIENT_FUNDS", "balance below price ceiling plus protocol fee")
	ErrNoMiner      = New(NotFound, "NO_MINER", "no eligible miner candidate")
)
