package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"codebridge/internal/logging"

	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"
)

const (
	writeWait = 10 * time.Second
)

// WebsocketTransport carries one message per websocket text frame.
type WebsocketTransport struct {
	name string
	conn *websocket.Conn

	writeMu sync.Mutex

	frames  chan []byte
	readErr error
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func newWebsocketTransport(name string, conn *websocket.Conn, maxBytes int64) *WebsocketTransport {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	conn.SetReadLimit(maxBytes)

	t := &WebsocketTransport{
		name:   name,
		conn:   conn,
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	t.wg.Add(1)
	go t.readLoop()
	return t
}

// Dial connects to a websocket endpoint such as ws://127.0.0.1:7821/webview.
func Dial(ctx context.Context, url string, maxBytes int64) (*WebsocketTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	logging.Transport("Connected websocket transport to %s", url)
	return newWebsocketTransport(url, conn, maxBytes), nil
}

// Name returns the peer address or dialed URL.
func (t *WebsocketTransport) Name() string { return t.name }

func (t *WebsocketTransport) readLoop() {
	defer t.wg.Done()
	defer close(t.frames)

	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				t.readErr = ErrClosed
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					t.readErr = io.EOF
				} else {
					logging.TransportDebug("[%s] websocket read ended: %v", t.name, err)
					t.readErr = err
				}
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		select {
		case t.frames <- data:
		case <-t.done:
			t.readErr = ErrClosed
			return
		}
	}
}

// Send writes msg as a single text frame.
func (t *WebsocketTransport) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

// Recv returns the next frame.
func (t *WebsocketTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-t.frames:
		if !ok {
			return nil, t.readErr
		}
		return msg, nil
	case <-t.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a close frame and tears down the connection.
func (t *WebsocketTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)

		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()

		err = t.conn.Close()
		t.wg.Wait()
	})
	return err
}

// Server accepts webview websocket connections and hands each one to a
// callback as a transport. The callback owns the transport and runs for the
// lifetime of the connection.
type Server struct {
	path      string
	maxBytes  int64
	onConnect func(ctx context.Context, t *WebsocketTransport)
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
	conns    sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
}

// NewServer creates a websocket server mounted at path.
func NewServer(path string, maxBytes int64, onConnect func(ctx context.Context, t *WebsocketTransport)) *Server {
	if path == "" {
		path = "/"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		path:      path,
		maxBytes:  maxBytes,
		onConnect: onConnect,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Webview origins are editor-specific schemes; the listener is
			// bound to loopback instead.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// ServeHTTP upgrades the request and blocks until the connection ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.path {
		http.NotFound(w, r)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Get(logging.CategoryTransport).Warn("Websocket upgrade failed: %v", err)
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()

	t := newWebsocketTransport(r.RemoteAddr, conn, s.maxBytes)
	defer t.Close()

	logging.Transport("Webview connected from %s", r.RemoteAddr)
	s.onConnect(s.baseCtx, t)
	logging.Transport("Webview disconnected from %s", r.RemoteAddr)
}

// Listen binds addr. At most maxConns connections are accepted at once when
// maxConns is positive.
func (s *Server) Listen(addr string, maxConns int) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	s.mu.Lock()
	s.listener = ln
	s.srv = &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Unlock()
	return ln.Addr(), nil
}

// Serve accepts connections until ctx ends or Shutdown is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln, srv := s.listener, s.srv
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("server not listening")
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Shutdown(context.Background()) })
	defer stop()

	logging.Transport("Webview server listening on %s%s", ln.Addr(), s.path)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting, cancels live connections and waits for their
// callbacks to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
