package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"codebridge/internal/logging"
	"codebridge/internal/protocol"
)

// Caller is the calling half of a protocol.Router.
type Caller interface {
	Call(ctx context.Context, op string, payload any, opts ...protocol.CallOption) (json.RawMessage, error)
	StreamCall(ctx context.Context, op string, payload any, opts ...protocol.CallOption) (*protocol.Stream, error)
	Notify(ctx context.Context, op string, payload any) error
}

// None is the payload of operations that carry no data.
type None struct{}

// Op binds a unary kind to its request and result types.
type Op[Req, Resp any] struct{ kind Kind }

// StreamOp binds a streaming kind to its request and chunk types.
type StreamOp[Req, Chunk any] struct{ kind Kind }

// NoteOp binds a notification kind to its payload type.
type NoteOp[Req any] struct{ kind Kind }

func mustShape(k Kind, want Shape) {
	if k.Shape() != want {
		panic(fmt.Sprintf("capability: %s is %s, bound as %s", k.Name(), k.Shape(), want))
	}
}

func newOp[Req, Resp any](k Kind) Op[Req, Resp] {
	mustShape(k, ShapeUnary)
	return Op[Req, Resp]{kind: k}
}

func newStreamOp[Req, Chunk any](k Kind) StreamOp[Req, Chunk] {
	mustShape(k, ShapeStream)
	return StreamOp[Req, Chunk]{kind: k}
}

func newNoteOp[Req any](k Kind) NoteOp[Req] {
	mustShape(k, ShapeNotification)
	return NoteOp[Req]{kind: k}
}

func (o Op[Req, Resp]) Kind() Kind          { return o.kind }
func (o Op[Req, Resp]) Name() string        { return o.kind.Name() }
func (o StreamOp[Req, Chunk]) Kind() Kind   { return o.kind }
func (o StreamOp[Req, Chunk]) Name() string { return o.kind.Name() }
func (o NoteOp[Req]) Kind() Kind            { return o.kind }
func (o NoteOp[Req]) Name() string          { return o.kind.Name() }

// Invoke performs a typed unary call.
func Invoke[Req, Resp any](ctx context.Context, c Caller, op Op[Req, Resp], req Req, opts ...protocol.CallOption) (Resp, error) {
	var resp Resp
	raw, err := c.Call(ctx, op.Name(), req, opts...)
	if err != nil {
		return resp, err
	}
	if err := decode(raw, &resp); err != nil {
		return resp, fmt.Errorf("decode %s result: %w", op.Name(), err)
	}
	return resp, nil
}

// InvokeStream starts a typed streaming call.
func InvokeStream[Req, Chunk any](ctx context.Context, c Caller, op StreamOp[Req, Chunk], req Req, opts ...protocol.CallOption) (*Stream[Chunk], error) {
	s, err := c.StreamCall(ctx, op.Name(), req, opts...)
	if err != nil {
		return nil, err
	}
	return &Stream[Chunk]{raw: s}, nil
}

// Send emits a typed notification.
func Send[Req any](ctx context.Context, c Caller, op NoteOp[Req], req Req) error {
	return c.Notify(ctx, op.Name(), req)
}

// Stream decodes the chunks of a streaming call.
type Stream[Chunk any] struct {
	raw *protocol.Stream
}

// Recv returns the next chunk, or io.EOF after the last one.
func (s *Stream[Chunk]) Recv() (Chunk, error) {
	var chunk Chunk
	raw, err := s.raw.Recv()
	if err != nil {
		return chunk, err
	}
	if err := decode(raw, &chunk); err != nil {
		return chunk, fmt.Errorf("decode %s chunk: %w", s.raw.Op(), err)
	}
	return chunk, nil
}

// Close abandons the stream and cancels the remote producer.
func (s *Stream[Chunk]) Close() error { return s.raw.Close() }

// All ranges over the decoded chunks. Stopping early closes the stream.
func (s *Stream[Chunk]) All() iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		for raw, err := range s.raw.Chunks() {
			var chunk Chunk
			if err == nil {
				if derr := decode(raw, &chunk); derr != nil {
					err = fmt.Errorf("decode %s chunk: %w", s.raw.Op(), derr)
				}
			}
			if !yield(chunk, err) || err != nil {
				return
			}
		}
	}
}

// Handle binds a typed unary handler.
func Handle[Req, Resp any](reg *protocol.Registry, op Op[Req, Resp], fn func(ctx context.Context, req Req) (Resp, error)) error {
	return reg.Handle(op.Name(), func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req Req
		if err := decode(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", op.Name(), err)
		}
		return fn(ctx, req)
	})
}

// HandleStream binds a typed streaming handler.
func HandleStream[Req, Chunk any](reg *protocol.Registry, op StreamOp[Req, Chunk], fn func(ctx context.Context, req Req, emit func(Chunk) error) error) error {
	return reg.HandleStream(op.Name(), func(ctx context.Context, payload json.RawMessage, emit func(any) error) error {
		var req Req
		if err := decode(payload, &req); err != nil {
			return fmt.Errorf("invalid %s payload: %w", op.Name(), err)
		}
		return fn(ctx, req, func(chunk Chunk) error { return emit(chunk) })
	})
}

// HandleNote binds a typed notification handler. Undecodable payloads are
// dropped.
func HandleNote[Req any](reg *protocol.Registry, op NoteOp[Req], fn func(ctx context.Context, req Req)) error {
	return reg.HandleNotification(op.Name(), func(ctx context.Context, payload json.RawMessage) {
		var req Req
		if err := decode(payload, &req); err != nil {
			logging.Get(logging.CategoryCapability).Warn("Dropping %s notification: %v", op.Name(), err)
			return
		}
		fn(ctx, req)
	})
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
