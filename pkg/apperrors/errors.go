// Package apperrors defines the error taxonomy shared by the access layer,
// the credential vault, the connectors and the HTTP handlers.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrInvalidRole            = errors.New("invalid role")
	ErrCredentialsKeyMismatch = errors.New("credential was encrypted with a different key")
)

// Kind classifies an error for callers. The string value is the code written
// to API responses.
type Kind string

const (
	KindUnauthorized      Kind = "unauthorized"
	KindNotFound          Kind = "not_found"
	KindValidation        Kind = "validation_error"
	KindConnectorNotFound Kind = "connector_not_found"
	KindConnection        Kind = "connection_error"
	KindExecution         Kind = "execution_error"
	KindTimeout           Kind = "timeout"
	KindCredentialExpired Kind = "credential_expired"
	KindInvalidGrant      Kind = "invalid_grant"
	KindInternal          Kind = "internal_error"
)

// Error is a classified error. UpstreamStatus carries the HTTP status an
// external service answered with, when there was one.
type Error struct {
	Kind           Kind
	Message        string
	UpstreamStatus int
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err, keeping it in the chain.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Unauthorized is returned for missing memberships, denied permissions and
// resource ownership mismatches alike.
func Unauthorized(format string, args ...any) *Error {
	return New(KindUnauthorized, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// Upstream attaches the status an external service replied with.
func Upstream(kind Kind, status int, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.UpstreamStatus = status
	return e
}

// CredentialExpired tells the caller to run the authorization flow again.
func CredentialExpired(err error) *Error {
	return Wrap(KindCredentialExpired, err, "stored credential is no longer valid, re-authorize the connection")
}

// KindOf classifies any error. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidRole):
		return KindValidation
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// UpstreamStatusOf returns the external status attached to err, or 0.
func UpstreamStatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.UpstreamStatus
	}
	return 0
}

// HTTPStatus maps err to the status code an API response should carry.
// Connection and execution failures propagate the upstream status when the
// data source reported one.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindConnectorNotFound, KindCredentialExpired, KindInvalidGrant:
		return http.StatusBadRequest
	case KindConnection, KindExecution:
		if s := UpstreamStatusOf(err); s >= 400 && s <= 599 {
			return s
		}
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// PublicMessage is the text safe to show a caller. Internal errors never
// expose their cause.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	switch KindOf(err) {
	case KindNotFound:
		return "resource not found"
	case KindTimeout:
		return "operation timed out"
	case KindValidation:
		return err.Error()
	}
	return "internal server error"
}
