package worker

import (
	"context"

	"github.com/taskorch/taskorch/dispatch"
)

// HandlerFunc processes one work item. A returned error means the item
// could not be handled for infrastructure reasons and should be
// redelivered; domain failures are recorded in storage and return nil.
type HandlerFunc func(ctx context.Context, item dispatch.Item) error

// Registry maps broker task names to handlers. Names are registered
// explicitly at startup so an unknown name is a deployment error, not a
// silent drop.
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a task name to a handler, replacing any previous binding.
func (r *Registry) Register(name string, fn HandlerFunc) {
	r.handlers[name] = fn
}

// Resolve looks up the handler for a task name.
func (r *Registry) Resolve(name string) (HandlerFunc, bool) {
	fn, ok := r.handlers[name]
	return fn, ok
}
