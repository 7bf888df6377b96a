package client

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotConnected is returned when an operation needs a connection and
	// Connect has not succeeded yet.
	ErrNotConnected = errors.New("client: not connected")
	// ErrClientClosed is returned after Disconnect.
	ErrClientClosed = errors.New("client: closed")
	// ErrConnectionClosed is returned when the connection carrying a request
	// goes away before the response arrives.
	ErrConnectionClosed = errors.New("client: connection closed while waiting for response")
	// ErrRequestTimeout is wrapped in a 503 *ServerError when no response
	// arrives within the request timeout.
	ErrRequestTimeout = errors.New("client: no response within timeout")
	// ErrInterrupted is returned when the caller's context ends while it
	// waits for a response. The context error is wrapped as well.
	ErrInterrupted = errors.New("client: interrupted while waiting for response")
	// ErrMalformedResponse is returned when a response cannot be decoded.
	ErrMalformedResponse = errors.New("client: malformed response")
	// ErrUnknownSubscription is returned by unsubscribe for an ID this
	// client never issued or already removed.
	ErrUnknownSubscription = errors.New("client: unknown subscription")
)

// ConnectionError is a transport fault: dial, handshake or send failure.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("client: connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ClientError is a 4xx failure reported by the server.
type ClientError struct {
	Code    int
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client: request rejected (code %d): %s", e.Code, e.Message)
}

// ServerError is a 5xx failure reported by the server, a failure with a
// code outside the 4xx family, or a local timeout (503 wrapping
// ErrRequestTimeout).
type ServerError struct {
	Code    int
	Message string
	Err     error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("client: server error (code %d): %s", e.Code, e.Message)
}

func (e *ServerError) Unwrap() error { return e.Err }

// statusError classifies a failure code by family.
func statusError(code int, message string) error {
	if code >= 400 && code < 500 {
		return &ClientError{Code: code, Message: message}
	}
	if code == 0 {
		code = http.StatusInternalServerError
	}
	return &ServerError{Code: code, Message: message}
}
