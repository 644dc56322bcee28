package outbox

import (
	"context"
	"sort"
	"sync"

	"chorus/pkg/protocol"
)

// Handler performs one action. It must be idempotent or tolerate running
// more than once: delivery is at least once.
type Handler func(ctx context.Context, args map[string]string) error

// Registry resolves action names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to h, replacing any earlier binding.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Names returns the registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run executes a through its handler.
func (r *Registry) Run(ctx context.Context, a protocol.Action) error {
	r.mu.RLock()
	h, ok := r.handlers[a.Name]
	r.mu.RUnlock()
	if !ok {
		return &protocol.UnknownActionError{Name: a.Name}
	}
	return h(ctx, a.Args)
}
