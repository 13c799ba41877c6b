// Package protocol implements the correlated message router shared by the
// IDE host, the core and the webview. A Router turns outgoing calls into
// request envelopes, matches response envelopes back to the waiting caller,
// and dispatches incoming requests to a frozen Registry of handlers.
package protocol

import (
	"context"
	"encoding/json"
)

// Direction tags an envelope as a request, a response, or a notification.
type Direction string

const (
	DirectionRequest      Direction = "request"
	DirectionResponse     Direction = "response"
	DirectionNotification Direction = "notification"
)

// CancelOperation is the reserved notification name carrying the id of a
// request the sender no longer wants answered.
const CancelOperation = "$/cancel"

// Envelope is the unit exchanged over a Transport.
type Envelope struct {
	ID        uint64          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Direction Direction       `json:"direction"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`
	// Done marks the last response for an id. Unary responses and every
	// error response set it; stream chunks leave it false.
	Done bool `json:"done,omitempty"`
}

// ErrorPayload is the wire form of a failed request.
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Transport moves serialized envelopes between two processes.
// Send must be safe for concurrent use; Recv is only called by the Router's
// read loop.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	return json.Marshal(v)
}
