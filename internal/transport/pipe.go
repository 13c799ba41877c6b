package transport

import (
	"context"
	"io"
	"sync"
)

// PipeEnd is one side of an in-memory transport pair. Closing either end
// closes both.
type PipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected ends. Messages sent on one are received on the
// other in order.
func Pipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	return &PipeEnd{in: ba, out: ab, done: done, once: once},
		&PipeEnd{in: ab, out: ba, done: done, once: once}
}

// Send queues a copy of msg for the other end.
func (p *PipeEnd) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	buf := make([]byte, len(msg))
	copy(buf, msg)

	select {
	case p.out <- buf:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv waits for the next message. It returns io.EOF once the pair is closed.
func (p *PipeEnd) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes both ends.
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
