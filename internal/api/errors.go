// ABOUTME: Classified error type for the Policy RAG API client
// ABOUTME: Maps transport failures onto the taxonomy the engine's retry logic keys off

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies an API failure.
type ErrorKind string

const (
	// KindTimeout means an operation's deadline elapsed.
	KindTimeout ErrorKind = "timeout"
	// KindConnection means the network was unreachable or the request failed
	// below the HTTP layer.
	KindConnection ErrorKind = "connection"
	// KindServer means the server answered with 5xx semantics.
	KindServer ErrorKind = "server"
	// KindRateLimited means the server answered 429.
	KindRateLimited ErrorKind = "rate_limited"
	// KindStream means an explicit error chunk, or a failure while iterating
	// an otherwise-established stream.
	KindStream ErrorKind = "stream"
)

// Error is a classified API failure. Message is user-presentable; the engine
// surfaces it verbatim in the failed assistant message.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsConnectivity reports whether the error indicates the backend is
// unreachable, as opposed to a single failed exchange.
func (e *Error) IsConnectivity() bool {
	return e.Kind == KindTimeout || e.Kind == KindConnection
}

// newError builds a classified error.
func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// classify wraps a raw transport error with the right kind and a
// human-readable message.
func classify(op string, err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, op+" timed out. Please try again.", err)
	case errors.Is(err, context.Canceled):
		return newError(KindConnection, op+" was cancelled.", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, op+" timed out. Please try again.", err)
	}
	return newError(KindConnection, "Could not reach the server. Check your connection and try again.", err)
}

// classifyStatus maps a non-2xx HTTP status onto the taxonomy.
func classifyStatus(status int) *Error {
	switch {
	case status == 429:
		return newError(KindRateLimited, "Too many requests. Please wait a moment and try again.", nil)
	case status >= 500:
		return newError(KindServer, "The server encountered an error. Please try again.", nil)
	default:
		return newError(KindServer, fmt.Sprintf("The server rejected the request (status %d).", status), nil)
	}
}

// AsError extracts a classified *Error from err, synthesizing a stream-kind
// error for anything unclassified.
func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return newError(KindStream, "Something went wrong while receiving the response.", err)
}
