package rpc

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

var (
	// ErrUnknownMethod is returned for calls naming a method the server
	// never registered a handler for.
	ErrUnknownMethod = errors.New("unknown RPC method")

	// ErrKernelNotFound is returned by agent handlers when the named kernel
	// is not in the agent's registry.
	ErrKernelNotFound = errors.New("kernel not found")

	// ErrInsufficientResources is returned when an agent cannot satisfy the
	// requested resource slots.
	ErrInsufficientResources = errors.New("insufficient resources on agent")

	// ErrInvalidPayload is returned when a call's body cannot be decoded
	// into the method's request type.
	ErrInvalidPayload = errors.New("invalid RPC payload")

	// ErrRequestTimedOut is returned by clients when no reply arrives
	// within the request timeout.
	ErrRequestTimedOut = errors.New("RPC request timed out")

	// ErrNoAck is returned by clients when every send attempt went
	// unacknowledged.
	ErrNoAck = errors.New("no ACK received")

	// ErrClientClosed is returned for calls issued after Close.
	ErrClientClosed = errors.New("RPC client is closed")
)

// sentinelNames maps known errors to their stable wire names. Errors outside
// this table cross the wire as InternalError with their message preserved.
var sentinelNames = []struct {
	err  error
	name string
}{
	{ErrUnknownMethod, "UnknownMethod"},
	{ErrKernelNotFound, "KernelNotFound"},
	{ErrInsufficientResources, "InsufficientResources"},
	{ErrInvalidPayload, "InvalidPayload"},
}

// RemoteError is a handler failure received over the wire. When Name matches
// a known sentinel, errors.Is sees through to it via Unwrap.
type RemoteError struct {
	Name    string `json:"name"`
	Message string `json:"message"`

	sentinel error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.sentinel
}

type errorBody struct {
	Error *RemoteError `json:"error,omitempty"`
}

func toWireError(cause error) *RemoteError {
	for _, sentinel := range sentinelNames {
		if errors.Is(cause, sentinel.err) {
			return &RemoteError{Name: sentinel.name, Message: cause.Error()}
		}
	}
	return &RemoteError{Name: "InternalError", Message: cause.Error()}
}

// ReplyError extracts the remote error from a reply body. It returns nil
// when the reply carries no error envelope. Known wire names rehydrate to
// the package sentinels so callers can use errors.Is.
func (m *Message) ReplyError() error {
	var envelope errorBody
	if err := json.Unmarshal(m.Body, &envelope); err != nil || envelope.Error == nil {
		return nil
	}
	for _, sentinel := range sentinelNames {
		if sentinel.name == envelope.Error.Name {
			envelope.Error.sentinel = sentinel.err
			break
		}
	}
	return envelope.Error
}
