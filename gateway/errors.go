package gateway

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfig is returned by Client.Run before any network activity when connection parameters are unusable.
	ErrConfig = errors.New("gateway config error")
	// ErrTransport covers dial failures and abrupt disconnects.
	ErrTransport = errors.New("gateway transport error")
	// ErrHandshake is returned when the connect request fails or times out.
	ErrHandshake = errors.New("gateway handshake failed")
	// ErrTimeout matches *TimeoutError.
	ErrTimeout = errors.New("gateway request timeout")
	// ErrConnectionClosed matches *ClosedError. Every request still pending at teardown is rejected with it.
	ErrConnectionClosed = errors.New("gateway connection closed")
	// ErrRemote matches *ResponseError.
	ErrRemote = errors.New("gateway error")
)

type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("gateway request timeout: %s", e.Method)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ResponseError is a response with ok=false.
type ResponseError struct {
	Method  string
	Code    string
	Message string
}

func (e *ResponseError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = ErrRemote.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Method, msg, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Method, msg)
}

func (e *ResponseError) Is(target error) bool { return target == ErrRemote }

// ClosedError rejects requests that were in flight when the connection was torn down.
type ClosedError struct {
	Reason error
}

func (e *ClosedError) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("%s: %s", ErrConnectionClosed, e.Reason)
	}
	return ErrConnectionClosed.Error()
}

func (e *ClosedError) Unwrap() error        { return e.Reason }
func (e *ClosedError) Is(target error) bool { return target == ErrConnectionClosed }
