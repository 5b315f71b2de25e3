package taskmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgar-durand/cloud-taskmq-go/observability"
	"github.com/edgar-durand/cloud-taskmq-go/store"
)

// ErrHandlerFailure wraps errors raised by user handlers, which are not
// library bugs. The HTTP layer maps it to a non-2xx response so the
// dispatcher retries per queue policy.
var ErrHandlerFailure = errors.New("handler failure")

// HandlerContext is the value handed to a handler for one delivery. The
// task is a snapshot: mutations by the handler have no effect on persisted
// state. Progress flows back through UpdateProgress.
type HandlerContext struct {
	task     store.Task
	consumer *Consumer
}

// Task returns the delivery's task snapshot.
func (hc *HandlerContext) Task() store.Task {
	return hc.task
}

// UpdateProgress reports progress for the in-flight task so that progress
// events propagate while the handler runs.
func (hc *HandlerContext) UpdateProgress(ctx context.Context, percentage float64, data any) error {
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal progress data: %v: %w", err, store.ErrInvalidArgument)
		}
	}
	return hc.consumer.UpdateTaskProgress(ctx, hc.task.ID, store.Progress{Percentage: percentage, Data: raw})
}

// Consumer transitions task state on each delivery, dispatches to the
// registered handler and enforces retry semantics.
type Consumer struct {
	store    store.Store
	registry *HandlerRegistry
	emit     func(Event)
	log      *zap.SugaredLogger

	// active guards against the same delivery being processed twice inside
	// this process. Cross-process duplicates require handler-level
	// idempotency.
	mu     sync.Mutex
	active map[string]map[string]struct{}

	// wg tracks in-flight deliveries so Close can drain them.
	wg sync.WaitGroup
}

func newConsumer(s store.Store, registry *HandlerRegistry, emit func(Event), log *zap.SugaredLogger) *Consumer {
	return &Consumer{
		store:    s,
		registry: registry,
		emit:     emit,
		log:      log,
		active:   make(map[string]map[string]struct{}),
	}
}

func (c *Consumer) claim(queueName, taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.active[queueName]
	if !ok {
		set = make(map[string]struct{})
		c.active[queueName] = set
	}
	if _, busy := set[taskID]; busy {
		return false
	}
	set[taskID] = struct{}{}
	return true
}

func (c *Consumer) release(queueName, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active[queueName], taskID)
}

// ProcessDelivery executes one delivery from the dispatcher. The returned
// error is non-nil whenever the dispatcher should retry (non-terminal
// handler failure) or the delivery could not be processed at all.
func (c *Consumer) ProcessDelivery(ctx context.Context, payload DeliveryPayload) (json.RawMessage, error) {
	c.wg.Add(1)
	defer c.wg.Done()

	task, err := c.store.GetTask(ctx, payload.TaskID)
	if err != nil {
		// Stale delivery after deletion is terminal; no further work.
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, fmt.Errorf("task %s already %s: %w", task.ID, task.Status, store.ErrConflict)
	}

	if !c.claim(task.QueueName, task.ID) {
		return nil, fmt.Errorf("task %s is already being processed: %w", task.ID, store.ErrConflict)
	}
	defer c.release(task.QueueName, task.ID)

	observability.ActiveTasks.WithLabelValues(task.QueueName).Inc()
	defer observability.ActiveTasks.WithLabelValues(task.QueueName).Dec()

	// One delivery is one attempt, consumed whether the handler succeeds
	// or fails.
	task.MarkActive()
	task.IncrementAttempts()
	err = c.store.UpdateTaskStatus(ctx, task.ID, store.StatusActive, &store.TaskPatch{
		Attempts: &task.Attempts,
		ActiveAt: task.ActiveAt,
	})
	if err != nil {
		return nil, err
	}
	c.fireActive(task)

	handler, ok := c.registry.Resolve(task.QueueName, task.Options.TaskName)
	if !ok {
		noHandler := fmt.Errorf("no handler registered for queue %q: %w", task.QueueName, store.ErrInvalidArgument)
		return nil, c.failTerminal(ctx, task, noHandler)
	}

	start := time.Now()
	result, handlerErr := c.invoke(ctx, handler, task)
	observability.HandlerDuration.WithLabelValues(task.QueueName).Observe(time.Since(start).Seconds())

	if handlerErr != nil {
		return nil, c.handleFailure(ctx, task, handlerErr)
	}
	return c.handleSuccess(ctx, task, result)
}

// invoke runs the handler with panic isolation: a panicking handler is a
// handler failure, not a crashed consumer.
func (c *Consumer) invoke(ctx context.Context, handler Handler, task *store.Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, &HandlerContext{task: *task.Clone(), consumer: c})
}

func (c *Consumer) handleSuccess(ctx context.Context, task *store.Task, result any) (json.RawMessage, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, c.handleFailure(ctx, task, fmt.Errorf("marshal handler result: %w", err))
	}

	task.MarkCompleted(raw)
	err = c.store.UpdateTaskStatus(ctx, task.ID, store.StatusCompleted, &store.TaskPatch{
		Attempts:    &task.Attempts,
		Result:      task.Result,
		CompletedAt: task.CompletedAt,
	})
	if err != nil {
		return nil, err
	}

	c.fireCompleted(task, raw)
	observability.TasksCompleted.WithLabelValues(task.QueueName).Inc()
	c.emit(Event{
		Kind:      EventTaskCompleted,
		TaskID:    task.ID,
		QueueName: task.QueueName,
		Duration:  task.CompletedAt.Sub(task.CreatedAt),
	})

	if task.IsInChain() && !task.IsLastInChain() {
		// Chain progression belongs to the dispatcher: the next step is
		// already enqueued. This is a best-effort advancement record.
		next, err := c.store.GetNextTaskInChain(ctx, task.Chain.ID, task.Chain.Index)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			c.log.Warnw("chain advancement lookup failed", "chainId", task.Chain.ID, "error", err)
		} else if next != nil {
			c.log.Debugw("chain step completed",
				"chainId", task.Chain.ID, "index", task.Chain.Index, "nextTaskId", next.ID)
		}
	}

	if task.ShouldRemoveOnComplete() {
		c.removeTask(ctx, task)
	}
	return raw, nil
}

// handleFailure applies retry accounting: back to idle while attempts
// remain, terminal failure once the cap is reached.
func (c *Consumer) handleFailure(ctx context.Context, task *store.Task, handlerErr error) error {
	if task.Attempts < task.MaxAttempts {
		err := c.store.UpdateTaskStatus(ctx, task.ID, store.StatusIdle, &store.TaskPatch{
			Attempts: &task.Attempts,
		})
		if err != nil {
			return err
		}
		observability.TaskRetries.WithLabelValues(task.QueueName).Inc()
		c.log.Infow("handler failed, returning delivery for retry",
			"taskId", task.ID, "queue", task.QueueName,
			"attempts", task.Attempts, "maxAttempts", task.MaxAttempts, "error", handlerErr)
		// No failure event on a non-terminal attempt. The propagated error
		// lets the dispatcher schedule the retry.
		return fmt.Errorf("attempt %d/%d failed: %v: %w", task.Attempts, task.MaxAttempts, handlerErr, ErrHandlerFailure)
	}
	return c.failTerminal(ctx, task, handlerErr)
}

func (c *Consumer) failTerminal(ctx context.Context, task *store.Task, cause error) error {
	task.Attempts = task.MaxAttempts
	task.MarkFailed(cause)
	err := c.store.UpdateTaskStatus(ctx, task.ID, store.StatusFailed, &store.TaskPatch{
		Attempts: &task.Attempts,
		Error:    task.Error,
		FailedAt: task.FailedAt,
	})
	if err != nil {
		return err
	}

	observability.TasksFailed.WithLabelValues(task.QueueName).Inc()
	c.emit(Event{
		Kind:           EventTaskFailed,
		TaskID:         task.ID,
		QueueName:      task.QueueName,
		Attempts:       task.Attempts,
		MaxAttempts:    task.MaxAttempts,
		IsFinalAttempt: true,
		Error:          cause.Error(),
	})
	c.fireFailed(task, cause)

	if task.ShouldRemoveOnFail() {
		c.removeTask(ctx, task)
	}
	return fmt.Errorf("task %s failed after %d attempts: %w: %w", task.ID, task.Attempts, cause, ErrHandlerFailure)
}

func (c *Consumer) removeTask(ctx context.Context, task *store.Task) {
	if _, err := c.store.DeleteTask(ctx, task.ID); err != nil {
		c.log.Warnw("failed to remove task", "taskId", task.ID, "error", err)
	}
	if task.UniquenessKey != "" {
		if err := c.store.RemoveUniquenessKey(ctx, task.UniquenessKey); err != nil {
			c.log.Warnw("failed to release uniqueness lock", "key", task.UniquenessKey, "error", err)
		}
	}
}

// UpdateTaskProgress persists progress for an in-flight task without
// touching its status, then propagates progress events.
func (c *Consumer) UpdateTaskProgress(ctx context.Context, taskID string, progress store.Progress) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	task.UpdateProgress(progress)
	err = c.store.UpdateTaskStatus(ctx, taskID, task.Status, &store.TaskPatch{
		Progress: task.Progress,
	})
	if err != nil {
		return err
	}

	c.fireProgress(task, *task.Progress)
	c.emit(Event{
		Kind:      EventTaskProgress,
		TaskID:    task.ID,
		QueueName: task.QueueName,
		Progress:  task.Progress,
	})
	return nil
}

// Lifecycle hook dispatch. Each hook invocation is isolated the same way
// event listeners are.

func (c *Consumer) fireActive(task *store.Task) {
	for _, h := range c.registry.Hooks(task.QueueName) {
		if h.Active != nil {
			c.safely(func() { h.Active(*task.Clone()) })
		}
	}
}

func (c *Consumer) fireCompleted(task *store.Task, result json.RawMessage) {
	for _, h := range c.registry.Hooks(task.QueueName) {
		if h.Completed != nil {
			c.safely(func() { h.Completed(*task.Clone(), result) })
		}
	}
}

func (c *Consumer) fireFailed(task *store.Task, err error) {
	for _, h := range c.registry.Hooks(task.QueueName) {
		if h.Failed != nil {
			c.safely(func() { h.Failed(*task.Clone(), err) })
		}
	}
}

func (c *Consumer) fireProgress(task *store.Task, progress store.Progress) {
	for _, h := range c.registry.Hooks(task.QueueName) {
		if h.Progress != nil {
			c.safely(func() { h.Progress(*task.Clone(), progress) })
		}
	}
}

func (c *Consumer) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("lifecycle hook panicked", "panic", r)
		}
	}()
	fn()
}

// drain blocks until all in-flight deliveries have finished.
func (c *Consumer) drain() {
	c.wg.Wait()
}
