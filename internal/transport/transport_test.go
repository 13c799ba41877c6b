package transport

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPipe_RoundTripInOrder(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	ctx := context.Background()
	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, a.Send(ctx, []byte(msg)))
	}
	for _, want := range []string{"one", "two", "three"} {
		got, err := b.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestPipe_CloseEndsBothSides(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, b.Close())

	_, err := a.Recv(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, a.Send(context.Background(), []byte("x")), ErrClosed)
}

func TestPipe_RecvHonorsContext(t *testing.T) {
	a, _ := Pipe()
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLineTransport_SendAndRecv(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	tr := NewLineTransport("test", inR, outW, 0)
	defer tr.Close()

	go func() {
		_, _ = inW.Write([]byte("{\"a\":1}\n\n  {\"b\":2}  \n"))
	}()

	ctx := context.Background()
	got, err := tr.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	got, err = tr.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(got))

	var wg sync.WaitGroup
	var line string
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 64)
		n, _ := outR.Read(buf)
		line = string(buf[:n])
	}()
	require.NoError(t, tr.Send(ctx, []byte(`{"c":3}`)))
	wg.Wait()
	assert.Equal(t, "{\"c\":3}\n", line)

	assert.Error(t, tr.Send(ctx, []byte("a\nb")))
	_ = inW.Close()
	_ = outR.Close()
}

func TestLineTransport_EOF(t *testing.T) {
	tr := NewLineTransport("test", strings.NewReader("{}\n"), io.Discard, 0)
	defer tr.Close()

	_, err := tr.Recv(context.Background())
	require.NoError(t, err)
	_, err = tr.Recv(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineTransport_OversizedLineIsDropped(t *testing.T) {
	input := `{"a":1}` + "\n" + strings.Repeat("x", 300) + "\n" + `{"b":2}` + "\n"
	tr := NewLineTransport("test", strings.NewReader(input), io.Discard, 100)
	defer tr.Close()

	msg, err := tr.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(msg))

	msg, err = tr.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(msg))

	_, err = tr.Recv(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineTransport_LineAtLimitIsKept(t *testing.T) {
	line := strings.Repeat("y", 100)
	tr := NewLineTransport("test", strings.NewReader(line+"\n"+line), io.Discard, 100)
	defer tr.Close()

	for i := 0; i < 2; i++ {
		msg, err := tr.Recv(context.Background())
		require.NoError(t, err)
		assert.Equal(t, line, string(msg))
	}
	_, err := tr.Recv(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineTransport_SendAfterClose(t *testing.T) {
	inR, inW := io.Pipe()
	tr := NewLineTransport("test", inR, io.Discard, 0)
	require.NoError(t, tr.Close())
	_ = inW.Close()

	assert.ErrorIs(t, tr.Send(context.Background(), []byte("{}")), ErrClosed)
	_, err := tr.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWebsocket_EchoThroughServer(t *testing.T) {
	srv := NewServer("/webview", 0, func(ctx context.Context, tr *WebsocketTransport) {
		for {
			msg, err := tr.Recv(ctx)
			if err != nil {
				return
			}
			if err := tr.Send(ctx, append([]byte("echo:"), msg...)); err != nil {
				return
			}
		}
	})
	hs := httptest.NewServer(srv)
	defer hs.Close()
	defer srv.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/webview"
	client, err := Dial(ctx, url, 0)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send(ctx, []byte("hello")))
	got, err := client.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", string(got))
}

func TestWebsocket_WrongPath(t *testing.T) {
	srv := NewServer("/webview", 0, func(ctx context.Context, tr *WebsocketTransport) {})
	hs := httptest.NewServer(srv)
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http")+"/other", 0)
	assert.Error(t, err)
}

func TestServer_ListenAndShutdown(t *testing.T) {
	connected := make(chan struct{}, 1)
	srv := NewServer("/webview", 0, func(ctx context.Context, tr *WebsocketTransport) {
		connected <- struct{}{}
		<-ctx.Done()
	})

	addr, err := srv.Listen("127.0.0.1:0", 2)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	client, err := Dial(dialCtx, "ws://"+addr.String()+"/webview", 0)
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the connection")
	}

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
