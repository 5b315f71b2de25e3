package taskmq

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgar-durand/cloud-taskmq-go/observability"
	"github.com/edgar-durand/cloud-taskmq-go/store"
)

// EventKind names a lifecycle event emitted by the engine.
type EventKind string

const (
	EventTaskAdded     EventKind = "taskAdded"
	EventTaskCompleted EventKind = "taskCompleted"
	EventTaskFailed    EventKind = "taskFailed"
	EventTaskProgress  EventKind = "taskProgress"

	// EventAll subscribes to every kind.
	EventAll EventKind = "*"
)

// Event is a lifecycle notification. Fields beyond Kind, TaskID, QueueName
// and Timestamp are populated per kind.
type Event struct {
	Kind           EventKind       `json:"kind"`
	TaskID         string          `json:"taskId"`
	QueueName      string          `json:"queueName"`
	Timestamp      time.Time       `json:"timestamp"`
	Data           json.RawMessage `json:"data,omitempty"`
	Attempts       int             `json:"attempts,omitempty"`
	MaxAttempts    int             `json:"maxAttempts,omitempty"`
	IsFinalAttempt bool            `json:"isFinalAttempt,omitempty"`
	Duration       time.Duration   `json:"duration,omitempty"`
	Progress       *store.Progress `json:"progress,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Unsubscribe removes a subscription registered with Subscribe.
type Unsubscribe func()

type subscriber struct {
	id   int
	kind EventKind
	fn   func(Event)
}

// eventBus delivers events synchronously on the emitting goroutine. Each
// listener invocation is isolated: one panicking listener must not prevent
// the others from running.
type eventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscriber
	log    *zap.SugaredLogger
}

func newEventBus(log *zap.SugaredLogger) *eventBus {
	return &eventBus{log: log}
}

func (b *eventBus) subscribe(kind EventKind, fn func(Event)) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, kind: kind, fn: fn})
	b.mu.Unlock()
	observability.EventSubscribers.Inc()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				observability.EventSubscribers.Dec()
				return
			}
		}
	}
}

func (b *eventBus) emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.kind != EventAll && s.kind != e.Kind {
			continue
		}
		b.invoke(s, e)
	}
}

func (b *eventBus) invoke(s subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorw("event listener panicked", "kind", e.Kind, "taskId", e.TaskID, "panic", r)
		}
	}()
	s.fn(e)
}

// eventHistory is a bounded ring of recent events surfaced by the admin API.
type eventHistory struct {
	mu     sync.RWMutex
	events []Event
	next   int
	full   bool
}

func newEventHistory(size int) *eventHistory {
	if size <= 0 {
		size = defaultEventHistorySize
	}
	return &eventHistory{events: make([]Event, size)}
}

func (h *eventHistory) record(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[h.next] = e
	h.next = (h.next + 1) % len(h.events)
	if h.next == 0 {
		h.full = true
	}
}

// recent returns up to n events, newest first.
func (h *eventHistory) recent(n int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	size := h.next
	if h.full {
		size = len(h.events)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.events)) % len(h.events)
		out = append(out, h.events[idx])
	}
	return out
}
