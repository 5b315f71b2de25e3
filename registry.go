package taskmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/edgar-durand/cloud-taskmq-go/store"
)

// Handler processes one delivery. The returned value is marshalled and
// recorded as the task result.
type Handler func(ctx context.Context, hc *HandlerContext) (any, error)

// LifecycleHooks are per-queue callbacks fired by the consumer. All fields
// are optional.
type LifecycleHooks struct {
	Active    func(task store.Task)
	Completed func(task store.Task, result json.RawMessage)
	Failed    func(task store.Task, err error)
	Progress  func(task store.Task, progress store.Progress)
}

// Registration binds a handler to a queue, optionally narrowed to a task
// name. Concurrency is a per-handler hint that the registry stores but
// nothing enforces or exposes; the consumer does not serialise handler
// execution.
type Registration struct {
	Queue       string
	TaskName    string
	Concurrency int
	Handler     Handler
	Hooks       *LifecycleHooks
}

type processorEntry struct {
	taskName    string
	concurrency int
	handler     Handler
}

// HandlerRegistry maps (queueName, taskName) to handlers plus per-queue
// lifecycle hooks. It is populated at startup and read-only during delivery
// handling.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string][]processorEntry
	hooks    map[string][]*LifecycleHooks
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string][]processorEntry),
		hooks:    make(map[string][]*LifecycleHooks),
	}
}

// Register adds a handler for a queue. Multiple registrations per queue are
// allowed; dispatch order follows registration order.
func (r *HandlerRegistry) Register(reg Registration) error {
	if reg.Queue == "" {
		return fmt.Errorf("registration requires a queue: %w", store.ErrInvalidArgument)
	}
	if reg.Handler == nil {
		return fmt.Errorf("registration for queue %q requires a handler: %w", reg.Queue, store.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[reg.Queue] = append(r.handlers[reg.Queue], processorEntry{
		taskName:    reg.TaskName,
		concurrency: reg.Concurrency,
		handler:     reg.Handler,
	})
	if reg.Hooks != nil {
		r.hooks[reg.Queue] = append(r.hooks[reg.Queue], reg.Hooks)
	}
	return nil
}

// Resolve selects the handler for a delivery: the entry whose task name
// equals the task's, otherwise the first unnamed entry, otherwise the first
// registered entry.
func (r *HandlerRegistry) Resolve(queueName, taskName string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.handlers[queueName]
	if len(entries) == 0 {
		return nil, false
	}
	if taskName != "" {
		for _, e := range entries {
			if e.taskName == taskName {
				return e.handler, true
			}
		}
	}
	for _, e := range entries {
		if e.taskName == "" {
			return e.handler, true
		}
	}
	return entries[0].handler, true
}

// Hooks returns the lifecycle hooks registered for a queue.
func (r *HandlerRegistry) Hooks(queueName string) []*LifecycleHooks {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hooks[queueName]
}
