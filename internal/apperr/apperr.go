// internal/apperr/apperr.go
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the server reacts to it. Every kind except
// TransportError is reported back to the sender; the connection stays open.
type Kind string

const (
	Validation      Kind = "validation_error"
	NotFound        Kind = "not_found"
	Capacity        Kind = "capacity_exceeded"
	Unauthorized    Kind = "unauthorized"
	RateLimited     Kind = "rate_limited"
	PayloadTooLarge Kind = "payload_too_large"
	Protocol        Kind = "protocol_error"
	Transport       Kind = "transport_error"
	Internal        Kind = "internal_error"
)

// Error is a client-reportable error. Code is stable and machine readable
// (e.g. "lobby_full"); Message is meant for humans.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// New builds an Error. Packages declare their sentinels with it:
//
//	var ErrLobbyFull = apperr.New(apperr.Capacity, "lobby_full", "Lobby is full")
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Validationf is a shorthand for ad-hoc input validation failures.
func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: Validation, Code: string(Validation), Message: fmt.Sprintf(format, args...)}
}

// As extracts the *Error in err's chain. Unknown errors are reported as
// internal errors so their details never leak to clients.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: Internal, Code: string(Internal), Message: "Internal server error"}
}

// KindOf returns the Kind of err, or Internal when err is not an *Error.
func KindOf(err error) Kind {
	return As(err).Kind
}
