// Package weberror defines the server's error taxonomy and its translation
// into HTTP statuses and machine-readable JSON bodies.
package weberror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Kind classifies an error for HTTP translation.
type Kind string

const (
	KindBadRequest           Kind = "bad_request"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindUnsupportedMediaType Kind = "unsupported_media_type"
	KindPayloadTooLarge      Kind = "payload_too_large"
	KindRangeNotSatisfiable  Kind = "range_not_satisfiable"
	KindNotAcceptable        Kind = "not_acceptable"
	KindNotImplemented       Kind = "not_implemented"
	KindInternal             Kind = "internal"
	KindValidation           Kind = "validation_error"
)

// Status maps the kind to its fixed HTTP status.
func (k Kind) Status() int {
	switch k {
	case KindBadRequest, KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case KindNotAcceptable:
		return http.StatusNotAcceptable
	case KindNotImplemented:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

// Error is a typed handler error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a typed error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of err, defaulting to internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

type body struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Write translates err into its HTTP status and JSON body. Internal errors
// are logged with full context and surface a sanitized message.
func Write(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	msg := err.Error()
	var e *Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	if kind == KindInternal {
		log.Error().Err(err).Msg("Internal server error")
		msg = "internal server error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.Status())
	_ = json.NewEncoder(w).Encode(body{Error: string(kind), Message: msg})
}
