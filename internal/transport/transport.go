// Package transport carries serialized protocol envelopes between processes.
// Every transport here delivers whole messages in order, allows concurrent
// Send, and expects a single reader calling Recv.
package transport

import "errors"

// ErrClosed is returned by Send and Recv after Close.
var ErrClosed = errors.New("transport closed")

// DefaultMaxMessageBytes caps a single message read from a stream transport.
const DefaultMaxMessageBytes = 16 * 1024 * 1024
