package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Handler answers a request with a single result.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// StreamHandler answers a request with any number of chunks passed to emit.
// ctx is cancelled when the caller sends $/cancel or the router closes.
type StreamHandler func(ctx context.Context, payload json.RawMessage, emit func(chunk any) error) error

// NotificationHandler consumes a notification. There is no reply.
type NotificationHandler func(ctx context.Context, payload json.RawMessage)

// ErrRegistryFrozen is returned when registering after the registry was
// handed to a Router.
var ErrRegistryFrozen = errors.New("registry is frozen")

type entry struct {
	unary  Handler
	stream StreamHandler
	note   NotificationHandler
}

// Registry maps operation names to handlers. It is populated at startup and
// frozen when a Router takes it; a frozen registry may be shared by several
// routers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	frozen  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Handle registers a request handler.
func (r *Registry) Handle(name string, h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler for %q", name)
	}
	return r.add(name, entry{unary: h})
}

// HandleStream registers a streaming request handler.
func (r *Registry) HandleStream(name string, h StreamHandler) error {
	if h == nil {
		return fmt.Errorf("nil stream handler for %q", name)
	}
	return r.add(name, entry{stream: h})
}

// HandleNotification registers a notification handler.
func (r *Registry) HandleNotification(name string, h NotificationHandler) error {
	if h == nil {
		return fmt.Errorf("nil notification handler for %q", name)
	}
	return r.add(name, entry{note: h})
}

func (r *Registry) add(name string, e entry) error {
	if name == "" {
		return fmt.Errorf("operation name required")
	}
	if name == CancelOperation {
		return fmt.Errorf("%q is reserved", CancelOperation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register %q: %w", name, ErrRegistryFrozen)
	}
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("operation %q already registered", name)
	}
	r.entries[name] = e
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Has reports whether name has any handler.
func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Names returns the registered operation names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}
