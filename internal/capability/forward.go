package capability

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"codebridge/internal/logging"
	"codebridge/internal/protocol"
)

// Forward registers a relay in reg for every kind implemented by side. Each
// relay passes the payload through to target untouched and returns the
// result, the stream chunks, or the error as target reported it.
func Forward(reg *protocol.Registry, target Caller, side Side) error {
	var errs []error
	for _, k := range Kinds(side) {
		name := k.Name()
		switch k.Shape() {
		case ShapeUnary:
			errs = append(errs, reg.Handle(name, func(ctx context.Context, payload json.RawMessage) (any, error) {
				return target.Call(ctx, name, payload)
			}))
		case ShapeStream:
			errs = append(errs, reg.HandleStream(name, func(ctx context.Context, payload json.RawMessage, emit func(any) error) error {
				return relayStream(ctx, target, name, payload, emit)
			}))
		case ShapeNotification:
			errs = append(errs, reg.HandleNotification(name, func(ctx context.Context, payload json.RawMessage) {
				if err := target.Notify(ctx, name, payload); err != nil {
					logging.Get(logging.CategoryCapability).Warn("Forwarding %s failed: %v", name, err)
				}
			}))
		}
	}
	return errors.Join(errs...)
}

func relayStream(ctx context.Context, target Caller, name string, payload json.RawMessage, emit func(any) error) error {
	s, err := target.StreamCall(ctx, name, payload)
	if err != nil {
		return err
	}
	defer s.Close()

	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := emit(chunk); err != nil {
			return err
		}
	}
}
