package client

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol matches malformed or unrecognized server messages.
	ErrProtocol = errors.New("protocol error")
	// ErrAuthorization matches rejected credentials or tokens.
	ErrAuthorization = errors.New("authorization error")
	// ErrTransient matches network failures that are retried.
	ErrTransient = errors.New("transient network error")
	// ErrClosed is returned by methods of a room that was left.
	ErrClosed = errors.New("room closed")
)

// ProtocolError reports a server message that could not be decoded. The
// connection is torn down and reopened.
type ProtocolError struct {
	Reason  string
	Payload string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// AuthorizationError reports a credential or token the server refused. It
// is surfaced to the application and never retried automatically.
type AuthorizationError struct {
	StatusCode int
	Message    string
}

func (e *AuthorizationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("authorization failed (http %d): %s", e.StatusCode, e.Message)
	}
	return "authorization failed: " + e.Message
}

func (e *AuthorizationError) Is(target error) bool {
	return target == ErrAuthorization
}

// TransientNetworkError wraps a socket or HTTP failure that the room
// recovers from by reconnecting.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

func (e *TransientNetworkError) Is(target error) bool {
	return target == ErrTransient
}
