// Package dispatch maps upstream event types to the handlers that process
// them. The table is explicit and built at start-up; nothing is resolved by
// naming convention.
package dispatch

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/goliatone/go-payhooks/core"
)

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]core.Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]core.Handler{}}
}

func (r *Registry) Register(eventType string, handler core.Handler) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return dispatchBadInput("dispatch: event type is required", nil)
	}
	if handler == nil {
		return dispatchBadInput("dispatch: handler is nil", map[string]any{"event_type": eventType})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = map[string]core.Handler{}
	}
	if _, exists := r.handlers[eventType]; exists {
		return dispatchConflict(
			fmt.Sprintf("dispatch: handler already registered for %q", eventType),
			map[string]any{"event_type": eventType},
		)
	}
	r.handlers[eventType] = handler
	return nil
}

func (r *Registry) RegisterFunc(eventType string, fn core.HandlerFunc) error {
	if fn == nil {
		return dispatchBadInput("dispatch: handler is nil", map[string]any{"event_type": eventType})
	}
	return r.Register(eventType, fn)
}

// Resolve is a pure lookup; a miss means the type is acknowledged without
// processing.
func (r *Registry) Resolve(eventType string) (core.Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[strings.TrimSpace(eventType)]
	return handler, ok
}

func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	types := make([]string, 0, len(r.handlers))
	for eventType := range r.handlers {
		types = append(types, eventType)
	}
	r.mu.RUnlock()
	slices.Sort(types)
	return types
}

var _ core.HandlerResolver = (*Registry)(nil)
