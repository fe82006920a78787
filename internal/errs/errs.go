// Package errs provides the typed error used as the uniform result contract
// across the store, asset cache and HTTP layers.
package errs

import (
	"errors"
	"net/http"
)

// Kind is a machine-readable error category.
type Kind string

const (
	KindUnknown      Kind = "unknown"
	KindInvalid      Kind = "invalid"
	KindNotFound     Kind = "not_found"
	KindNetwork      Kind = "network"
	KindFilesystem   Kind = "filesystem"
	KindUnavailable  Kind = "unavailable"
	KindUnauthorized Kind = "unauthorized"
	KindConflict     Kind = "conflict"
)

// Error carries a Kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + string(e.Kind)
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind, so errors.Is(err, errs.New(KindNotFound, "", nil))
// works without comparing causes.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind && (t.Op == "" || t.Op == e.Op)
	}
	return false
}

// New builds an *Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Invalid, NotFound, Network and Filesystem are shorthands for New.
func Invalid(op string, err error) *Error    { return New(KindInvalid, op, err) }
func NotFound(op string, err error) *Error   { return New(KindNotFound, op, err) }
func Network(op string, err error) *Error    { return New(KindNetwork, op, err) }
func Filesystem(op string, err error) *Error { return New(KindFilesystem, op, err) }

// KindOf returns the Kind of the outermost *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalid:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindNetwork, KindUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
