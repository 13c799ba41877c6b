package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"codebridge/internal/logging"
)

// DefaultCallTimeout bounds a call when neither the router nor the caller
// configured a budget.
const DefaultCallTimeout = 30 * time.Second

type callResult struct {
	env Envelope
	err error
}

// pendingCall is one row of the pending call table. Exactly one of resp and
// stream is set.
type pendingCall struct {
	op     string
	resp   chan callResult
	stream *Stream
}

type inflightCall struct {
	cancel context.CancelFunc
}

// Router correlates outgoing calls with their responses and dispatches
// incoming requests to the handlers in its Registry. One Router serves one
// Transport.
type Router struct {
	name        string
	transport   Transport
	registry    *Registry
	callTimeout time.Duration
	waitTimeout time.Duration

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]*pendingCall
	inflight map[uint64]*inflightCall
	closed   bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	handlers   sync.WaitGroup
	closeOnce  sync.Once
}

// Option configures a Router.
type Option func(*Router)

// WithName labels the router in log lines.
func WithName(name string) Option {
	return func(r *Router) { r.name = name }
}

// WithDefaultTimeout sets the budget applied to calls that do not pass
// WithTimeout. Zero disables the default.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Router) { r.callTimeout = d }
}

// NewRouter creates a router over t. reg is frozen; a nil reg means the
// router only makes calls and answers every request with unknown_operation.
func NewRouter(t Transport, reg *Registry, opts ...Option) *Router {
	if reg == nil {
		reg = NewRegistry()
	}
	reg.Freeze()

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		name:        "router",
		transport:   t,
		registry:    reg,
		callTimeout: DefaultCallTimeout,
		waitTimeout: time.Second,
		pending:     make(map[uint64]*pendingCall),
		inflight:    make(map[uint64]*inflightCall),
		baseCtx:     ctx,
		baseCancel:  cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the router's log label.
func (r *Router) Name() string { return r.name }

// Registry returns the frozen handler registry.
func (r *Router) Registry() *Registry { return r.registry }

// CallOption configures a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the router's default budget for one call.
// Zero means no budget beyond the caller's context.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

func (r *Router) callOptions(opts []CallOption, fallback time.Duration) callOptions {
	o := callOptions{timeout: fallback}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Call sends a request and waits for its single response.
// The returned error wraps one of ErrTimeout, ErrCancelled, ErrTransport or
// ErrClosed for local failures, or is a *RemoteError for an error envelope.
func (r *Router) Call(ctx context.Context, op string, payload any, opts ...CallOption) (json.RawMessage, error) {
	o := r.callOptions(opts, r.callTimeout)

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", op, err)
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	ch := make(chan callResult, 1)
	id, err := r.register(&pendingCall{op: op, resp: ch})
	if err != nil {
		return nil, err
	}
	logging.ProtocolDebug("[%s] -> %s (id %d)", r.name, op, id)

	if err := r.send(ctx, Envelope{ID: id, Type: op, Direction: DirectionRequest, Payload: raw}); err != nil {
		r.unregister(id)
		return nil, err
	}

	select {
	case res := <-ch:
		return decodeResult(op, res)
	case <-ctx.Done():
		if r.unregister(id) == nil {
			// The response settled while we were giving up; it is already buffered.
			return decodeResult(op, <-ch)
		}
		r.sendCancel(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logging.ProtocolWarn("[%s] %s (id %d) timed out after %v", r.name, op, id, o.timeout)
			return nil, fmt.Errorf("%w: %s (id %d)", ErrTimeout, op, id)
		}
		return nil, fmt.Errorf("%w: %s (id %d): %w", ErrCancelled, op, id, ctx.Err())
	}
}

func decodeResult(op string, res callResult) (json.RawMessage, error) {
	if res.err != nil {
		return nil, res.err
	}
	if res.env.Error != nil {
		return nil, &RemoteError{Kind: res.env.Error.Kind, Op: op, Message: res.env.Error.Message}
	}
	return res.env.Payload, nil
}

// Notify sends a notification. Nothing is recorded in the pending table.
func (r *Router) Notify(ctx context.Context, op string, payload any) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", op, err)
	}
	return r.send(ctx, Envelope{Type: op, Direction: DirectionNotification, Payload: raw})
}

// StreamCall sends a request whose response arrives as a sequence of chunks.
// ctx and an explicit WithTimeout bound the whole stream; the router default
// does not apply to streams.
func (r *Router) StreamCall(ctx context.Context, op string, payload any, opts ...CallOption) (*Stream, error) {
	o := r.callOptions(opts, 0)

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", op, err)
	}

	var cancel context.CancelFunc
	if o.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	s := newStream(ctx, cancel, r, op, o.timeout)
	id, err := r.register(&pendingCall{op: op, stream: s})
	if err != nil {
		cancel()
		return nil, err
	}
	s.id = id
	logging.ProtocolDebug("[%s] -> %s (stream id %d)", r.name, op, id)

	if err := r.send(ctx, Envelope{ID: id, Type: op, Direction: DirectionRequest, Payload: raw}); err != nil {
		r.unregister(id)
		cancel()
		return nil, err
	}
	return s, nil
}

// Pending returns the number of unsettled calls and open streams.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Run reads envelopes from the transport until it fails, ctx ends, or the
// router is closed. Every pending call is settled with ErrClosed on return.
// io.EOF from the transport is a clean shutdown and yields nil.
func (r *Router) Run(ctx context.Context) error {
	defer r.shutdown()

	logging.Protocol("[%s] router running", r.name)
	for {
		data, err := r.transport.Recv(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, io.EOF), r.isClosed():
				logging.Protocol("[%s] transport closed", r.name)
				return nil
			default:
				return fmt.Errorf("%w: receive: %w", ErrTransport, err)
			}
		}
		r.dispatch(data)
	}
}

// Close settles every pending call with ErrClosed, cancels running handlers
// and closes the transport.
func (r *Router) Close() error {
	r.shutdown()
	err := r.transport.Close()

	done := make(chan struct{})
	go func() {
		r.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.waitTimeout):
		logging.ProtocolWarn("[%s] handlers still running after close", r.name)
	}
	return err
}

func (r *Router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) shutdown() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		pending := r.pending
		r.pending = make(map[uint64]*pendingCall)
		for _, call := range r.inflight {
			call.cancel()
		}
		r.inflight = make(map[uint64]*inflightCall)
		r.mu.Unlock()

		for id, call := range pending {
			err := fmt.Errorf("%w: %s (id %d)", ErrClosed, call.op, id)
			if call.stream != nil {
				call.stream.fail(err)
				continue
			}
			call.resp <- callResult{err: err}
		}
		r.baseCancel()
		if len(pending) > 0 {
			logging.ProtocolWarn("[%s] closed with %d pending calls", r.name, len(pending))
		}
	})
}

// register allocates the next id and inserts the call in one step.
func (r *Router) register(call *pendingCall) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, fmt.Errorf("%w: %s", ErrClosed, call.op)
	}
	r.nextID++
	r.pending[r.nextID] = call
	return r.nextID, nil
}

// unregister removes id and returns its call, or nil when it already settled.
func (r *Router) unregister(id uint64) *pendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	return call
}

func (r *Router) send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", env.Type, err)
	}
	if err := r.transport.Send(ctx, data); err != nil {
		return fmt.Errorf("%w: send %s (id %d): %w", ErrTransport, env.Type, env.ID, err)
	}
	return nil
}

// dispatch routes one incoming envelope. It never fails; malformed or
// unmatched input is logged and dropped.
func (r *Router) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logging.ProtocolWarn("[%s] dropping malformed envelope: %v", r.name, err)
		return
	}

	switch env.Direction {
	case DirectionResponse:
		r.settle(env)
	case DirectionRequest:
		r.serve(env)
	case DirectionNotification:
		r.notified(env)
	default:
		logging.ProtocolWarn("[%s] dropping envelope %q with direction %q", r.name, env.Type, env.Direction)
	}
}

func (r *Router) settle(env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.pending[env.ID]
	if !ok {
		logging.ProtocolDebug("[%s] dropping response %s for unknown id %d", r.name, env.Type, env.ID)
		return
	}

	if call.stream != nil {
		if env.Done || env.Error != nil {
			delete(r.pending, env.ID)
		}
		call.stream.push(env)
		return
	}

	delete(r.pending, env.ID)
	call.resp <- callResult{env: env}
}

func (r *Router) serve(env Envelope) {
	h, ok := r.registry.lookup(env.Type)
	if !ok || (h.unary == nil && h.stream == nil) {
		logging.ProtocolWarn("[%s] no handler for request %s (id %d)", r.name, env.Type, env.ID)
		r.reply(Envelope{
			ID:        env.ID,
			Type:      env.Type,
			Direction: DirectionResponse,
			Done:      true,
			Error: &ErrorPayload{
				Kind:    KindUnknownOperation,
				Message: fmt.Sprintf("no handler registered for %q", env.Type),
			},
		})
		return
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	call := &inflightCall{cancel: cancel}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return
	}
	r.inflight[env.ID] = call
	r.handlers.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.handlers.Done()
		defer r.finish(env.ID, call)

		if h.stream != nil {
			r.runStream(ctx, env, h.stream)
			return
		}
		r.runUnary(ctx, env, h.unary)
	}()
}

func (r *Router) finish(id uint64, call *inflightCall) {
	call.cancel()
	r.mu.Lock()
	if r.inflight[id] == call {
		delete(r.inflight, id)
	}
	r.mu.Unlock()
}

func (r *Router) runUnary(ctx context.Context, env Envelope, h Handler) {
	timer := logging.StartTimer(logging.CategoryProtocol, env.Type)
	defer timer.StopWithThreshold(time.Second)

	result, err := invokeUnary(ctx, h, env.Payload)
	if ctx.Err() != nil {
		logging.ProtocolDebug("[%s] %s (id %d) cancelled, not replying", r.name, env.Type, env.ID)
		return
	}

	resp := Envelope{ID: env.ID, Type: env.Type, Direction: DirectionResponse, Done: true}
	if err == nil {
		resp.Payload, err = marshalPayload(result)
	}
	if err != nil {
		logging.ProtocolDebug("[%s] %s (id %d) failed: %v", r.name, env.Type, env.ID, err)
		resp.Payload = nil
		resp.Error = errorPayload(err)
	}
	r.reply(resp)
}

func (r *Router) runStream(ctx context.Context, env Envelope, h StreamHandler) {
	emit := func(chunk any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := marshalPayload(chunk)
		if err != nil {
			return fmt.Errorf("marshal %s chunk: %w", env.Type, err)
		}
		return r.send(ctx, Envelope{ID: env.ID, Type: env.Type, Direction: DirectionResponse, Payload: raw})
	}

	err := invokeStream(ctx, h, env.Payload, emit)
	if ctx.Err() != nil {
		logging.ProtocolDebug("[%s] stream %s (id %d) cancelled", r.name, env.Type, env.ID)
		return
	}

	terminal := Envelope{ID: env.ID, Type: env.Type, Direction: DirectionResponse, Done: true}
	if err != nil {
		terminal.Error = errorPayload(err)
	}
	r.reply(terminal)
}

func (r *Router) notified(env Envelope) {
	if env.Type == CancelOperation {
		r.cancelInflight(env.ID)
		return
	}

	h, ok := r.registry.lookup(env.Type)
	if !ok || h.note == nil {
		logging.ProtocolDebug("[%s] dropping notification %s", r.name, env.Type)
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.handlers.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.handlers.Done()
		defer func() {
			if p := recover(); p != nil {
				logging.Get(logging.CategoryProtocol).Error("[%s] notification %s panicked: %v\n%s", r.name, env.Type, p, debug.Stack())
			}
		}()
		h.note(r.baseCtx, env.Payload)
	}()
}

func (r *Router) cancelInflight(id uint64) {
	r.mu.Lock()
	call, ok := r.inflight[id]
	if ok {
		delete(r.inflight, id)
	}
	r.mu.Unlock()

	if ok {
		logging.ProtocolDebug("[%s] cancelling request id %d", r.name, id)
		call.cancel()
	}
}

// sendCancel tells the remote side to stop working on id. Best effort.
func (r *Router) sendCancel(id uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.send(ctx, Envelope{ID: id, Type: CancelOperation, Direction: DirectionNotification}); err != nil {
		logging.ProtocolDebug("[%s] cancel for id %d not delivered: %v", r.name, id, err)
	}
}

func (r *Router) reply(env Envelope) {
	if err := r.send(r.baseCtx, env); err != nil {
		logging.ProtocolWarn("[%s] reply %s (id %d) not delivered: %v", r.name, env.Type, env.ID, err)
	}
}

func invokeUnary(ctx context.Context, h Handler, payload json.RawMessage) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			logging.Get(logging.CategoryProtocol).Error("handler panicked: %v\n%s", p, debug.Stack())
			err = fmt.Errorf("%w: panic: %v", ErrHandler, p)
		}
	}()
	return h(ctx, payload)
}

func invokeStream(ctx context.Context, h StreamHandler, payload json.RawMessage, emit func(any) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logging.Get(logging.CategoryProtocol).Error("stream handler panicked: %v\n%s", p, debug.Stack())
			err = fmt.Errorf("%w: panic: %v", ErrHandler, p)
		}
	}()
	return h(ctx, payload, emit)
}
