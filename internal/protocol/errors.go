package protocol

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failed call on the wire.
type ErrorKind string

const (
	KindTransport        ErrorKind = "transport_error"
	KindTimeout          ErrorKind = "timeout"
	KindUnknownOperation ErrorKind = "unknown_operation"
	KindHandler          ErrorKind = "handler_error"
	KindCancelled        ErrorKind = "cancelled"
	KindClosed           ErrorKind = "closed"
)

var (
	// ErrTransport means the envelope could not be sent or received.
	ErrTransport = errors.New("transport error")
	// ErrTimeout means no response arrived within the call budget.
	ErrTimeout = errors.New("call timed out")
	// ErrUnknownOperation means the receiving side has no handler for the name.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrHandler means the remote handler returned an error or panicked.
	ErrHandler = errors.New("handler error")
	// ErrCancelled means the caller abandoned the call.
	ErrCancelled = errors.New("call cancelled")
	// ErrClosed means the router shut down before the call settled.
	ErrClosed = errors.New("router closed")
)

// RemoteError is an error envelope decoded on the calling side.
// errors.Is matches it against the sentinel for its Kind.
type RemoteError struct {
	Kind    ErrorKind
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return sentinelFor(e.Kind)
}

func sentinelFor(kind ErrorKind) error {
	switch kind {
	case KindTransport:
		return ErrTransport
	case KindTimeout:
		return ErrTimeout
	case KindUnknownOperation:
		return ErrUnknownOperation
	case KindCancelled:
		return ErrCancelled
	case KindClosed:
		return ErrClosed
	default:
		return ErrHandler
	}
}

// kindOf maps a handler error onto a wire kind. Errors relayed from another
// router keep their original kind so forwarding is transparent.
func kindOf(err error) ErrorKind {
	var remote *RemoteError
	switch {
	case errors.As(err, &remote):
		return remote.Kind
	case errors.Is(err, ErrUnknownOperation):
		return KindUnknownOperation
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrClosed):
		return KindClosed
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindHandler
	}
}

func errorPayload(err error) *ErrorPayload {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return &ErrorPayload{Kind: remote.Kind, Message: remote.Message}
	}
	return &ErrorPayload{Kind: kindOf(err), Message: err.Error()}
}
