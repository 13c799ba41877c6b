package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"codebridge/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// routerPair connects two routers over an in-memory pipe and runs both.
func routerPair(t *testing.T, left, right *Registry, opts ...Option) (*Router, *Router) {
	t.Helper()
	a, b := transport.Pipe()
	ra := NewRouter(a, left, append([]Option{WithName("left")}, opts...)...)
	rb := NewRouter(b, right, append([]Option{WithName("right")}, opts...)...)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = ra.Run(context.Background()) }()
	go func() { defer wg.Done(); _ = rb.Run(context.Background()) }()

	t.Cleanup(func() {
		_ = ra.Close()
		_ = rb.Close()
		wg.Wait()
	})
	return ra, rb
}

func echoRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Handle("echo", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return payload, nil
	}))
	return reg
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestRegistry_DuplicateAndReserved(t *testing.T) {
	reg := NewRegistry()
	h := func(ctx context.Context, payload json.RawMessage) (any, error) { return nil, nil }

	require.NoError(t, reg.Handle("readFile", h))
	assert.Error(t, reg.Handle("readFile", h))
	assert.Error(t, reg.Handle(CancelOperation, h))
	assert.Error(t, reg.Handle("", h))
	assert.Error(t, reg.Handle("nil", nil))
	assert.True(t, reg.Has("readFile"))
	assert.Equal(t, []string{"readFile"}, reg.Names())
}

func TestRegistry_FrozenByRouter(t *testing.T) {
	reg := NewRegistry()
	a, _ := transport.Pipe()
	defer a.Close()

	NewRouter(a, reg)
	assert.True(t, reg.Frozen())

	err := reg.Handle("late", func(ctx context.Context, payload json.RawMessage) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrRegistryFrozen)
}

// =============================================================================
// UNARY CALLS
// =============================================================================

func TestCall_RoundTrip(t *testing.T) {
	caller, _ := routerPair(t, nil, echoRegistry(t))

	got, err := caller.Call(context.Background(), "echo", map[string]string{"path": "/a.go"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"/a.go"}`, string(got))
	assert.Equal(t, 0, caller.Pending())
}

func TestCall_ConcurrentCallsEachGetOwnResponse(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Handle("square", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(payload, &n); err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(n%5) * time.Millisecond)
		return n * n, nil
	}))
	caller, _ := routerPair(t, nil, reg)

	const calls = 50
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			raw, err := caller.Call(context.Background(), "square", n)
			if err != nil {
				errs <- err
				return
			}
			var got int
			if err := json.Unmarshal(raw, &got); err != nil {
				errs <- err
				return
			}
			if got != n*n {
				errs <- fmt.Errorf("call %d got %d", n, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, caller.Pending())
}

func TestCall_UnknownOperation(t *testing.T) {
	caller, _ := routerPair(t, nil, echoRegistry(t))

	_, err := caller.Call(context.Background(), "ide/doesNotExist", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownOperation)

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, KindUnknownOperation, remote.Kind)
	assert.Equal(t, "ide/doesNotExist", remote.Op)
}

func TestCall_HandlerErrorAndPanic(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Handle("fail", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return nil, errors.New("file not found")
	}))
	require.NoError(t, reg.Handle("boom", func(ctx context.Context, payload json.RawMessage) (any, error) {
		panic("kaboom")
	}))
	caller, _ := routerPair(t, nil, reg)

	_, err := caller.Call(context.Background(), "fail", nil)
	assert.ErrorIs(t, err, ErrHandler)
	assert.Contains(t, err.Error(), "file not found")

	_, err = caller.Call(context.Background(), "boom", nil)
	assert.ErrorIs(t, err, ErrHandler)
	assert.Contains(t, err.Error(), "kaboom")

	// The router keeps serving after a panic.
	_, err = caller.Call(context.Background(), "fail", nil)
	assert.ErrorIs(t, err, ErrHandler)
}

func TestCall_RelayedErrorKeepsKind(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Handle("relay", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return nil, &RemoteError{Kind: KindTimeout, Op: "ide/readFile", Message: "upstream slow"}
	}))
	caller, _ := routerPair(t, nil, reg)

	_, err := caller.Call(context.Background(), "relay", nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "upstream slow")
}

func TestCall_TimeoutRemovesPendingEntry(t *testing.T) {
	release := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.Handle("slow", func(ctx context.Context, payload json.RawMessage) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "late", nil
	}))
	caller, _ := routerPair(t, nil, reg)

	start := time.Now()
	_, err := caller.Call(context.Background(), "slow", nil, WithTimeout(50*time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, caller.Pending())

	// The late response is dropped without disturbing later calls.
	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, caller.Pending())
}

func TestCall_DefaultTimeout(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Handle("hang", func(ctx context.Context, payload json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	caller, _ := routerPair(t, nil, reg, WithDefaultTimeout(30*time.Millisecond))

	_, err := caller.Call(context.Background(), "hang", nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCall_ContextCancelled(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Handle("hang", func(ctx context.Context, payload json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	caller, _ := routerPair(t, nil, reg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := caller.Call(ctx, "hang", nil)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, caller.Pending())
}

// failingTransport rejects every send.
type failingTransport struct {
	done chan struct{}
	once sync.Once
}

func newFailingTransport() *failingTransport {
	return &failingTransport{done: make(chan struct{})}
}

func (f *failingTransport) Send(ctx context.Context, msg []byte) error {
	return errors.New("broken pipe")
}

func (f *failingTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *failingTransport) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func TestCall_TransportFailure(t *testing.T) {
	r := NewRouter(newFailingTransport(), nil)
	defer r.Close()

	_, err := r.Call(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Equal(t, 0, r.Pending())

	assert.ErrorIs(t, r.Notify(context.Background(), "devdata/log", nil), ErrTransport)

	_, err = r.StreamCall(context.Background(), "stream", nil)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 0, r.Pending())
}

func TestClose_SettlesPendingCalls(t *testing.T) {
	a, b := transport.Pipe()
	r := NewRouter(a, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Call(context.Background(), "never", nil)
		errCh <- err
	}()

	_, err := b.Recv(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call was not settled by Close")
	}

	_, err = r.Call(context.Background(), "after", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, r.Notify(context.Background(), "after", nil), ErrClosed)
}

func TestRun_PeerCloseSettlesPending(t *testing.T) {
	a, b := transport.Pipe()
	r := NewRouter(a, nil)

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(context.Background()) }()

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Call(context.Background(), "never", nil)
		errCh <- err
	}()
	_, err := b.Recv(context.Background())
	require.NoError(t, err)

	require.NoError(t, b.Close())
	assert.NoError(t, <-runErr)
	assert.ErrorIs(t, <-errCh, ErrClosed)
	require.NoError(t, r.Close())
}

// =============================================================================
// DISPATCH
// =============================================================================

func TestDispatch_DropsStaleAndDuplicateResponses(t *testing.T) {
	a, b := transport.Pipe()
	defer b.Close()
	r := NewRouter(a, nil)
	defer r.Close()

	// Unknown id and malformed input never panic.
	r.dispatch([]byte(`{"id":99,"type":"echo","direction":"response","done":true}`))
	r.dispatch([]byte(`not json`))
	r.dispatch([]byte(`{"id":1,"type":"echo","direction":"sideways"}`))

	done := make(chan json.RawMessage, 1)
	go func() {
		raw, err := r.Call(context.Background(), "echo", nil)
		if err == nil {
			done <- raw
		}
	}()

	msg, err := b.Recv(context.Background())
	require.NoError(t, err)
	var req Envelope
	require.NoError(t, json.Unmarshal(msg, &req))
	assert.Equal(t, DirectionRequest, req.Direction)
	assert.Equal(t, uint64(1), req.ID)

	resp := []byte(fmt.Sprintf(`{"id":%d,"type":"echo","direction":"response","payload":"first","done":true}`, req.ID))
	r.dispatch(resp)
	r.dispatch([]byte(fmt.Sprintf(`{"id":%d,"type":"echo","direction":"response","payload":"second","done":true}`, req.ID)))

	select {
	case raw := <-done:
		assert.Equal(t, `"first"`, string(raw))
	case <-time.After(time.Second):
		t.Fatal("call not settled")
	}
	assert.Equal(t, 0, r.Pending())
}

func TestDispatch_UnknownRequestGetsErrorEnvelope(t *testing.T) {
	a, b := transport.Pipe()
	defer b.Close()
	r := NewRouter(a, nil)
	defer r.Close()

	r.dispatch([]byte(`{"id":7,"type":"ide/nope","direction":"request"}`))

	msg, err := b.Recv(context.Background())
	require.NoError(t, err)
	var resp Envelope
	require.NoError(t, json.Unmarshal(msg, &resp))
	assert.Equal(t, uint64(7), resp.ID)
	assert.Equal(t, DirectionResponse, resp.Direction)
	assert.True(t, resp.Done)
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindUnknownOperation, resp.Error.Kind)
}

func TestNotify_DeliveredToHandler(t *testing.T) {
	got := make(chan string, 1)
	reg := NewRegistry()
	require.NoError(t, reg.HandleNotification("devdata/log", func(ctx context.Context, payload json.RawMessage) {
		got <- string(payload)
	}))
	caller, _ := routerPair(t, nil, reg)

	require.NoError(t, caller.Notify(context.Background(), "devdata/log", map[string]string{"name": "chat"}))
	require.NoError(t, caller.Notify(context.Background(), "unhandled", nil))

	select {
	case payload := <-got:
		assert.JSONEq(t, `{"name":"chat"}`, payload)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
	assert.Equal(t, 0, caller.Pending())
}

func TestNotify_RequestToNotificationHandlerIsUnknown(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.HandleNotification("devdata/log", func(ctx context.Context, payload json.RawMessage) {}))
	caller, _ := routerPair(t, nil, reg)

	_, err := caller.Call(context.Background(), "devdata/log", nil)
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestBidirectionalCalls(t *testing.T) {
	left := echoRegistry(t)
	right := NewRegistry()
	require.NoError(t, right.Handle("ping", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return "pong", nil
	}))
	ra, rb := routerPair(t, left, right)

	got, err := ra.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, `"pong"`, string(got))

	got, err = rb.Call(context.Background(), "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, `"hi"`, string(got))
}
