package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Transport error codes. Non-positive status codes and negative body lengths
// carry one of these; EOF is the end-of-stream sentinel on the body callback.
const (
	EOF          = -4095
	ECONNABORTED = -53
	ECONNRESET   = -54
	ENOTCONN     = -57
	ETIMEDOUT    = -60
	ECONNREFUSED = -61
	EHOSTUNREACH = -65
	ECANCELED    = -89
	EPROTO       = -100
	ESHUTDOWN    = -58
)

var errorText = map[int]string{
	EOF:          "end of file",
	ECONNABORTED: "software caused connection abort",
	ECONNRESET:   "connection reset by peer",
	ENOTCONN:     "socket is not connected",
	ETIMEDOUT:    "connection timed out",
	ECONNREFUSED: "connection refused",
	EHOSTUNREACH: "host is unreachable",
	ECANCELED:    "operation canceled",
	EPROTO:       "protocol error",
	ESHUTDOWN:    "cannot send after transport endpoint shutdown",
}

// ErrorText returns the message for a transport error code.
func ErrorText(code int) string {
	if s, ok := errorText[code]; ok {
		return s
	}
	return fmt.Sprintf("unknown transport error %d", code)
}

// Error is a transport failure surfaced to callers, keeping the native code.
type Error struct {
	Code    int
	Message string
}

// NewError builds an Error with the default message for code.
func NewError(code int) *Error {
	return &Error{Code: code, Message: ErrorText(code)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("overlay transport: %s (%d)", e.Message, e.Code)
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// CodeOf maps a Go I/O error onto a transport error code.
func CodeOf(err error) int {
	var te *Error
	switch {
	case err == nil:
		return 0
	case errors.As(err, &te):
		return te.Code
	case errors.Is(err, context.Canceled):
		return ECANCELED
	case errors.Is(err, context.DeadlineExceeded):
		return ETIMEDOUT
	case errors.Is(err, syscall.ECONNREFUSED):
		return ECONNREFUSED
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ECONNRESET
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return EHOSTUNREACH
	case errors.Is(err, net.ErrClosed):
		return ESHUTDOWN
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ETIMEDOUT
	}
	return ECONNABORTED
}
