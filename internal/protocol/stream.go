package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"codebridge/internal/logging"
)

// Stream is the calling side of a streaming request. Chunks are queued
// without bound as they arrive and handed out in order by Recv.
type Stream struct {
	id      uint64
	op      string
	router  *Router
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration

	mu       sync.Mutex
	queue    []Envelope
	err      error
	finished bool
	signal   chan struct{}
}

func newStream(ctx context.Context, cancel context.CancelFunc, r *Router, op string, timeout time.Duration) *Stream {
	return &Stream{
		op:      op,
		router:  r,
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		signal:  make(chan struct{}, 1),
	}
}

// ID returns the request id the stream is correlated by.
func (s *Stream) ID() uint64 { return s.id }

// Op returns the operation name.
func (s *Stream) Op() string { return s.op }

// push queues an envelope delivered by the router.
func (s *Stream) push(env Envelope) {
	s.mu.Lock()
	if s.finished || s.err != nil {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()
	s.wake()
}

// fail ends the stream locally with err.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil && !s.finished {
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
	s.cancel()
}

func (s *Stream) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Recv returns the next chunk. It returns io.EOF after the final chunk, a
// *RemoteError when the handler failed, and an error wrapping ErrTimeout,
// ErrCancelled or ErrClosed for local failures.
func (s *Stream) Recv() (json.RawMessage, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			env := s.queue[0]
			s.queue[0] = Envelope{}
			s.queue = s.queue[1:]
			if env.Done || env.Error != nil {
				s.finished = true
				s.queue = nil
			}
			s.mu.Unlock()

			switch {
			case env.Error != nil:
				s.cancel()
				return nil, &RemoteError{Kind: env.Error.Kind, Op: s.op, Message: env.Error.Message}
			case env.Done:
				s.cancel()
				return nil, io.EOF
			}
			return env.Payload, nil
		}
		if s.finished {
			s.mu.Unlock()
			return nil, io.EOF
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-s.ctx.Done():
			var err error
			if errors.Is(s.ctx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("%w: stream %s (id %d) after %v", ErrTimeout, s.op, s.id, s.timeout)
			} else {
				err = fmt.Errorf("%w: stream %s (id %d)", ErrCancelled, s.op, s.id)
			}
			s.abort(err)
		}
	}
}

// Close abandons the stream: the local slot is removed at once and the
// remote side is told to stop producing. Closing a finished stream is a no-op.
func (s *Stream) Close() error {
	s.abort(fmt.Errorf("%w: stream %s (id %d)", ErrCancelled, s.op, s.id))
	return nil
}

func (s *Stream) abort(err error) {
	s.mu.Lock()
	if s.finished || s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.queue = nil
	s.mu.Unlock()
	s.wake()

	if s.router.unregister(s.id) != nil {
		logging.ProtocolDebug("[%s] cancelling stream %s (id %d)", s.router.name, s.op, s.id)
		s.router.sendCancel(s.id)
	}
	s.cancel()
}

// Chunks ranges over the stream until the final chunk or the first error.
// Breaking out of the loop closes the stream.
func (s *Stream) Chunks() iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		defer s.Close()
		for {
			chunk, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(chunk, err) || err != nil {
				return
			}
		}
	}
}
