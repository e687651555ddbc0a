// Package apperr defines the error codes that room operations report to
// clients. Every code is recoverable at the operation boundary except Internal.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	NotFound         Code = "NOT_FOUND"
	Forbidden        Code = "FORBIDDEN"
	Conflict         Code = "CONFLICT"
	NotEnoughPlayers Code = "NOT_ENOUGH_PLAYERS"
	RoomFull         Code = "ROOM_FULL"
	StaleRound       Code = "STALE_ROUND"
	UpstreamTimeout  Code = "UPSTREAM_TIMEOUT"
	PayloadTooLarge  Code = "PAYLOAD_TOO_LARGE"
	BadRequest       Code = "BAD_REQUEST"
	Internal         Code = "INTERNAL"
)

var defaultMessages = map[Code]string{
	NotFound:         "room or round not found",
	Forbidden:        "operation not allowed",
	Conflict:         "conflicting state",
	NotEnoughPlayers: "at least two connected players are required",
	RoomFull:         "room is full",
	StaleRound:       "round is no longer current",
	UpstreamTimeout:  "phrase generator timed out",
	PayloadTooLarge:  "payload exceeds size limit",
	BadRequest:       "malformed request",
	Internal:         "internal error",
}

// Error carries a stable code alongside a human-readable message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so errors.Is(err, apperr.New(StaleRound, ""))
// works regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(code Code, message string) *Error {
	if message == "" {
		message = defaultMessages[code]
	}
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func Wrap(code Code, message string, err error) *Error {
	e := New(code, message)
	e.Err = err
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Message returns the client-facing message for err. Errors without a code
// are reported generically so internal details do not leak.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return defaultMessages[Internal]
}

func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

func HTTPStatus(code Code) int {
	switch code {
	case NotFound:
		return http.StatusNotFound
	case Forbidden:
		return http.StatusForbidden
	case Conflict, StaleRound:
		return http.StatusConflict
	case NotEnoughPlayers, BadRequest:
		return http.StatusBadRequest
	case RoomFull:
		return http.StatusServiceUnavailable
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	case PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
