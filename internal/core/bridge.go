// Package core is the hub process. It owns one Router toward the IDE host and
// one Router per connected webview. Webview requests for IDE capabilities are
// forwarded to the IDE unchanged; core operations are answered locally and
// backed by the usage recorder.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"codebridge/internal/capability"
	"codebridge/internal/logging"
	"codebridge/internal/protocol"
	"codebridge/internal/usage"
)

// Options configures a Bridge.
type Options struct {
	// Recorder backs the stats operations. Nil disables telemetry.
	Recorder *usage.Recorder

	// Username attributed to webview feature events that carry none.
	// Empty resolves through git config and the OS user.
	Username string

	// CallTimeout is the default budget of every Router the bridge creates.
	CallTimeout time.Duration
}

// Bridge connects the IDE host and the webviews.
type Bridge struct {
	opts Options

	ide      *protocol.Router
	ideFacet *capability.IDE
	handlers *handlers

	mu       sync.Mutex
	webviews map[*protocol.Router]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New builds a bridge over the transport to the IDE host. The IDE router is
// not read from until Run.
func New(ide protocol.Transport, opts Options) (*Bridge, error) {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = protocol.DefaultCallTimeout
	}

	b := &Bridge{
		opts:     opts,
		webviews: make(map[*protocol.Router]struct{}),
	}
	b.handlers = newHandlers(opts.Recorder, opts.Username)

	reg := protocol.NewRegistry()
	if err := capability.RegisterCore(reg, b.handlers); err != nil {
		return nil, fmt.Errorf("register core operations: %w", err)
	}
	if err := capability.Verify(reg, capability.SideCore); err != nil {
		return nil, fmt.Errorf("ide registry: %w", err)
	}

	b.ide = protocol.NewRouter(ide, reg,
		protocol.WithName("ide"),
		protocol.WithDefaultTimeout(opts.CallTimeout),
	)
	b.ideFacet = capability.NewIDE(b.ide)
	return b, nil
}

// IDE returns the typed client for the IDE host.
func (b *Bridge) IDE() *capability.IDE { return b.ideFacet }

// ActiveEditor returns the last file the IDE reported as focused.
func (b *Bridge) ActiveEditor() string { return b.handlers.activeEditor() }

// Run reads from the IDE until ctx ends or the IDE goes away.
func (b *Bridge) Run(ctx context.Context) error {
	logging.Boot("Bridge running; IDE router online")
	err := b.ide.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.BootError("IDE router stopped: %v", err)
	}
	return err
}

// webviewRegistry builds the registry for one webview: local core operations
// plus a relay for every IDE capability.
func (b *Bridge) webviewRegistry() (*protocol.Registry, error) {
	reg := protocol.NewRegistry()
	if err := capability.RegisterCore(reg, b.handlers); err != nil {
		return nil, err
	}
	if err := capability.Forward(reg, b.ide, capability.SideIDE); err != nil {
		return nil, err
	}
	if err := capability.Verify(reg, capability.SideCore, capability.SideIDE); err != nil {
		return nil, err
	}
	return reg, nil
}

// ServeWebview serves one webview connection until it closes or ctx ends.
func (b *Bridge) ServeWebview(ctx context.Context, name string, t protocol.Transport) error {
	reg, err := b.webviewRegistry()
	if err != nil {
		t.Close()
		return fmt.Errorf("webview registry: %w", err)
	}
	r := protocol.NewRouter(t, reg,
		protocol.WithName(name),
		protocol.WithDefaultTimeout(b.opts.CallTimeout),
	)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		r.Close()
		return protocol.ErrClosed
	}
	b.webviews[r] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.webviews, r)
		b.mu.Unlock()
		r.Close()
		b.wg.Done()
	}()

	logging.Protocol("Webview %s connected", name)
	err = r.Run(ctx)
	logging.Protocol("Webview %s disconnected: %v", name, err)
	return err
}

// Webviews returns the number of connected webviews.
func (b *Bridge) Webviews() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.webviews)
}

// Close disconnects every webview and the IDE.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	routers := make([]*protocol.Router, 0, len(b.webviews))
	for r := range b.webviews {
		routers = append(routers, r)
	}
	b.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	b.wg.Wait()
	return b.ide.Close()
}
