package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"codebridge/internal/logging"
)

// LineTransport exchanges newline-delimited JSON messages over a reader and
// a writer, typically the process's stdin and stdout.
type LineTransport struct {
	name string

	writeMu sync.Mutex
	w       io.Writer
	r       io.Reader

	lines   chan []byte
	readErr error
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewLineTransport starts reading lines from r. maxBytes bounds a single
// line; longer lines are dropped. Zero selects DefaultMaxMessageBytes.
func NewLineTransport(name string, r io.Reader, w io.Writer, maxBytes int) *LineTransport {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	t := &LineTransport{
		name:  name,
		r:     r,
		w:     w,
		lines: make(chan []byte, 16),
		done:  make(chan struct{}),
	}
	t.wg.Add(1)
	go t.readLoop(maxBytes)
	return t
}

// readLoop delivers one message per line. A line longer than maxBytes is
// dropped and reading continues with the next one.
func (t *LineTransport) readLoop(maxBytes int) {
	defer t.wg.Done()
	defer close(t.lines)

	br := bufio.NewReaderSize(t.r, min(64*1024, maxBytes))
	var buf []byte
	oversized := false

	for {
		chunk, err := br.ReadSlice('\n')
		if !oversized {
			buf = append(buf, chunk...)
			if len(bytes.TrimSuffix(buf, []byte("\n"))) > maxBytes {
				oversized = true
				buf = buf[:0]
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if oversized {
			logging.Get(logging.CategoryTransport).Warn("[%s] dropped line over %d bytes", t.name, maxBytes)
			oversized = false
		} else if line := bytes.TrimSpace(buf); len(line) > 0 {
			msg := make([]byte, len(line))
			copy(msg, line)

			select {
			case t.lines <- msg:
			case <-t.done:
				t.readErr = ErrClosed
				return
			}
		}
		buf = buf[:0]

		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			t.readErr = io.EOF
			return
		}
		select {
		case <-t.done:
			t.readErr = ErrClosed
		default:
			logging.Get(logging.CategoryTransport).Error("[%s] read failed: %v", t.name, err)
			t.readErr = err
		}
		return
	}
}

// Send writes msg followed by a newline.
func (t *LineTransport) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bytes.IndexByte(msg, '\n') >= 0 {
		return fmt.Errorf("message contains a newline")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, msg...)
	buf = append(buf, '\n')
	if _, err := t.w.Write(buf); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Recv returns the next line. After the reader is exhausted it returns
// io.EOF, or the read error that ended it.
func (t *LineTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-t.lines:
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

// Close stops the transport and closes the reader and writer when they are
// closable.
func (t *LineTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		if c, ok := t.r.(io.Closer); ok {
			err = c.Close()
		}
		if c, ok := t.w.(io.Closer); ok {
			if cerr := c.Close(); err == nil {
				err = cerr
			}
		}

		finished := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(time.Second):
			logging.Get(logging.CategoryTransport).Warn("[%s] reader did not exit after close", t.name)
		}
		logging.Transport("[%s] line transport closed", t.name)
	})
	return err
}
