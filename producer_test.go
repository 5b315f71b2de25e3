package taskmq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/edgar-durand/cloud-taskmq-go/store"
)

func TestAddTaskPersistsAndEnqueues(t *testing.T) {
	engine, fake := newTestEngine(t)
	ctx := context.Background()

	res, err := engine.AddTask(ctx, "q", map[string]string{"msg": "hi"}, AddTaskOptions{})
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	if !res.Success || res.TaskID == "" {
		t.Fatalf("Expected success with a task id, got %+v", res)
	}

	task, err := engine.GetTask(ctx, res.TaskID)
	if err != nil {
		t.Fatalf("Task not persisted: %v", err)
	}
	if task.Status != store.StatusIdle || task.Attempts != 0 || task.MaxAttempts != 3 {
		t.Errorf("New task state wrong: %+v", task)
	}

	calls := fake.calls()
	if len(calls) != 1 {
		t.Fatalf("Expected 1 enqueue, got %d", len(calls))
	}

	// Wire contract: the enqueued body is the delivery payload.
	var payload DeliveryPayload
	if err := json.Unmarshal(calls[0].body, &payload); err != nil {
		t.Fatalf("Enqueue body is not a delivery payload: %v", err)
	}
	if payload.TaskID != res.TaskID || payload.QueueName != "q" || payload.MaxAttempts != 3 {
		t.Errorf("Payload wrong: %+v", payload)
	}
	if payload.Chain != nil || payload.UniquenessKey != nil {
		t.Errorf("Expected null chain and uniquenessKey, got %+v", payload)
	}
}

func TestAddTaskWireShape(t *testing.T) {
	// The delivery payload must keep its field names and null semantics.
	key := "k"
	payload := DeliveryPayload{
		TaskID:        "t1",
		QueueName:     "q",
		Data:          json.RawMessage(`{"x":1}`),
		Attempts:      1,
		MaxAttempts:   3,
		UniquenessKey: &key,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var m map[string]any
	json.Unmarshal(data, &m)
	for _, field := range []string{"taskId", "queueName", "data", "attempts", "maxAttempts", "chain", "uniquenessKey"} {
		if _, ok := m[field]; !ok {
			t.Errorf("Payload missing wire field %q", field)
		}
	}
	if m["chain"] != nil {
		t.Errorf("Absent chain must serialise as null, got %v", m["chain"])
	}
	if m["uniquenessKey"] != "k" {
		t.Errorf("uniquenessKey lost: %v", m["uniquenessKey"])
	}
}

func TestAddTaskUnknownQueue(t *testing.T) {
	engine, _ := newTestEngine(t)

	res, err := engine.AddTask(context.Background(), "nope", nil, AddTaskOptions{})
	if !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
	if res.Success {
		t.Error("Result must not report success")
	}
}

func TestAddTaskDelaySetsScheduledFor(t *testing.T) {
	engine, fake := newTestEngine(t)
	ctx := context.Background()

	before := time.Now()
	res, err := engine.AddTask(ctx, "q", nil, AddTaskOptions{Delay: time.Minute})
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}

	task, _ := engine.GetTask(ctx, res.TaskID)
	if task.ScheduledFor == nil {
		t.Fatal("Expected ScheduledFor to be set")
	}
	if task.ScheduledFor.Before(before.Add(time.Minute)) {
		t.Errorf("ScheduledFor too early: %v", task.ScheduledFor)
	}
	if got := fake.calls()[0].delay; got != time.Minute {
		t.Errorf("Delay not forwarded to dispatcher: %v", got)
	}
}

func TestAddTaskUniquenessSkip(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.AddTask(ctx, "q", nil, AddTaskOptions{UniquenessKey: "k"})
	if err != nil || !first.Success {
		t.Fatalf("First add failed: %+v %v", first, err)
	}

	second, err := engine.AddTask(ctx, "q", nil, AddTaskOptions{UniquenessKey: "k"})
	if err != nil {
		t.Fatalf("Duplicate add must not error: %v", err)
	}
	if second.Success || !second.Skipped {
		t.Errorf("Expected skipped result, got %+v", second)
	}

	// Exactly one live task under the key.
	count, _ := engine.CountTasks(ctx, store.TaskFilter{UniquenessKey: "k"})
	if count != 1 {
		t.Errorf("Expected 1 task under the key, got %d", count)
	}
}

func TestAddTaskUniquenessReleasedAfterCompletion(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	engine.Register(Registration{
		Queue:   "q",
		Handler: func(ctx context.Context, hc *HandlerContext) (any, error) { return "ok", nil },
	})

	a, _ := engine.AddTask(ctx, "q", nil, AddTaskOptions{UniquenessKey: "k", RemoveOnComplete: true})
	if _, err := deliver(t, engine, a.TaskID); err != nil {
		t.Fatalf("Delivery failed: %v", err)
	}

	b, err := engine.AddTask(ctx, "q", nil, AddTaskOptions{UniquenessKey: "k"})
	if err != nil || !b.Success {
		t.Fatalf("Add after completion must succeed, got %+v %v", b, err)
	}
	if b.TaskID == a.TaskID {
		t.Error("New task must have a fresh id")
	}
}

func TestAddTaskRateLimitDenialReleasesUniquenessLock(t *testing.T) {
	engine, _ := newTestEngine(t, func(c *Config) {
		c.Queues = []QueueConfig{{
			Name:        "q",
			RateLimiter: &RateLimiterConfig{MaxRequests: 1, Window: time.Minute},
		}}
	})
	ctx := context.Background()

	if res, _ := engine.AddTask(ctx, "q", nil, AddTaskOptions{}); !res.Success {
		t.Fatalf("Priming add failed: %+v", res)
	}

	denied, err := engine.AddTask(ctx, "q", nil, AddTaskOptions{UniquenessKey: "k"})
	if err != nil {
		t.Fatalf("Denial must not error: %v", err)
	}
	if denied.Success || denied.Error != "rate limit exceeded" {
		t.Fatalf("Expected rate limit denial, got %+v", denied)
	}

	// The lock taken before the denial must have been released.
	active, _ := engine.Store().IsUniquenessKeyActive(ctx, "k")
	if active {
		t.Error("Uniqueness lock leaked through a rate-limit denial")
	}
}

func TestAddTaskGlobalRateLimiter(t *testing.T) {
	engine, _ := newTestEngine(t, func(c *Config) {
		c.GlobalRateLimiter = &RateLimiterConfig{MaxRequests: 2, Window: time.Minute}
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res, _ := engine.AddTask(ctx, "q", nil, AddTaskOptions{}); !res.Success {
			t.Fatalf("Add %d should pass the global limit", i)
		}
	}
	res, _ := engine.AddTask(ctx, "q", nil, AddTaskOptions{})
	if res.Success || res.Error != "rate limit exceeded" {
		t.Errorf("Expected global denial, got %+v", res)
	}
}

func TestAddTaskDispatcherFailureIsNotFatal(t *testing.T) {
	engine, fake := newTestEngine(t)
	fake.failAlways = errors.New("dispatcher down")
	ctx := context.Background()

	res, err := engine.AddTask(ctx, "q", nil, AddTaskOptions{})
	if err != nil {
		t.Fatalf("Dispatcher failure must not surface: %v", err)
	}
	if !res.Success {
		t.Fatalf("Expected success despite dispatcher failure, got %+v", res)
	}

	// The task stays persisted for later processing.
	task, err := engine.GetTask(ctx, res.TaskID)
	if err != nil || task.Status != store.StatusIdle {
		t.Errorf("Task should remain idle locally: %+v %v", task, err)
	}
}

func TestAddTaskEmitsTaskAdded(t *testing.T) {
	engine, _ := newTestEngine(t)
	var got []Event
	engine.Subscribe(EventTaskAdded, func(e Event) { got = append(got, e) })

	res, _ := engine.AddTask(context.Background(), "q", map[string]int{"n": 1}, AddTaskOptions{})
	if len(got) != 1 || got[0].TaskID != res.TaskID || got[0].QueueName != "q" {
		t.Errorf("Expected one taskAdded event, got %+v", got)
	}
}

func TestAddChainAssignsContiguousIndices(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	results, err := engine.AddChain(ctx, "q", []ChainEntry{
		{Data: 1}, {Data: 2}, {Data: 3},
	}, ChainOptions{ID: "chain-1"})
	if err != nil {
		t.Fatalf("AddChain failed: %v", err)
	}

	for i, res := range results {
		task, _ := engine.GetTask(ctx, res.TaskID)
		if task.Chain.ID != "chain-1" || task.Chain.Index != i || task.Chain.Total != 3 {
			t.Errorf("Step %d chain wrong: %+v", i, task.Chain)
		}
	}
}

func TestAddChainWaitForPreviousStacksDelays(t *testing.T) {
	engine, fake := newTestEngine(t, func(c *Config) {
		c.Queues = []QueueConfig{{Name: "q", RetryDelay: 10 * time.Second}}
	})

	_, err := engine.AddChain(context.Background(), "q", []ChainEntry{
		{Data: 0}, {Data: 1}, {Data: 2},
	}, ChainOptions{WaitForPrevious: true})
	if err != nil {
		t.Fatalf("AddChain failed: %v", err)
	}

	calls := fake.calls()
	if len(calls) != 3 {
		t.Fatalf("Expected 3 enqueues, got %d", len(calls))
	}
	for i, call := range calls {
		want := time.Duration(i) * 10 * time.Second
		if call.delay != want {
			t.Errorf("Step %d delay: expected %v, got %v", i, want, call.delay)
		}
	}
}

func TestAddChainStopsOnFirstFailure(t *testing.T) {
	engine, _ := newTestEngine(t, func(c *Config) {
		c.Queues = []QueueConfig{{
			Name:        "q",
			RateLimiter: &RateLimiterConfig{MaxRequests: 2, Window: time.Minute},
		}}
	})

	results, err := engine.AddChain(context.Background(), "q", []ChainEntry{
		{Data: 0}, {Data: 1}, {Data: 2}, {Data: 3},
	}, ChainOptions{})
	if err != nil {
		t.Fatalf("AddChain errored: %v", err)
	}
	// Two steps pass the limiter, the third is denied, the fourth is never
	// attempted. No rollback of the first two.
	if len(results) != 3 {
		t.Fatalf("Expected 3 partial results, got %d", len(results))
	}
	if !results[0].Success || !results[1].Success || results[2].Success {
		t.Errorf("Partial results wrong: %+v", results)
	}
}

func TestAddChainRequiresEntries(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.AddChain(context.Background(), "q", nil, ChainOptions{})
	if !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
}
