package taskmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgar-durand/cloud-taskmq-go/dispatcher"
	"github.com/edgar-durand/cloud-taskmq-go/store"
)

// Engine owns the producer, consumer, registry, rate limiter and event bus,
// and is the single handle the application bootstraps. There is no global
// accessor: thread the engine through explicitly.
type Engine struct {
	cfg      Config
	store    store.Store
	client   dispatcher.Client
	registry *HandlerRegistry
	limiter  *RateLimiter
	producer *Producer
	consumer *Consumer
	events   *eventBus
	history  *eventHistory
	log      *zap.SugaredLogger

	janitorStop chan struct{}
	janitorDone chan struct{}

	closeOnce sync.Once
}

// New builds an engine from cfg, connecting the selected storage adapter.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Sugar()

	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := cfg.Dispatcher
	if client == nil {
		client = dispatcher.NopClient{}
	}

	e := &Engine{
		cfg:      cfg,
		store:    s,
		client:   client,
		registry: NewHandlerRegistry(),
		limiter:  NewRateLimiter(s),
		events:   newEventBus(log),
		history:  newEventHistory(cfg.EventHistorySize),
		log:      log,
	}
	e.producer = newProducer(&e.cfg, s, client, e.limiter, e.emit, log)
	e.consumer = newConsumer(s, e.registry, e.emit, log)

	if cfg.AutoCreateQueues {
		for _, q := range cfg.Queues {
			opts := dispatcher.QueueOptions{MaxRetries: q.MaxRetries, RetryDelay: q.RetryDelay}
			if err := client.CreateQueue(ctx, cfg.queuePath(q), opts); err != nil {
				log.Warnw("queue creation failed", "queue", q.Name, "error", err)
			}
		}
	}

	if cfg.CleanupInterval > 0 && cfg.CleanupPolicy != nil {
		e.janitorStop = make(chan struct{})
		e.janitorDone = make(chan struct{})
		go e.janitorLoop()
	}
	return e, nil
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch cfg.StorageAdapter {
	case AdapterMemory, "":
		return store.NewMemoryStore(), nil
	case AdapterRedis:
		return store.NewRedisStore(ctx, store.RedisOptions{
			Addr:      cfg.StorageOptions.RedisAddr,
			Password:  cfg.StorageOptions.RedisPassword,
			DB:        cfg.StorageOptions.RedisDB,
			KeyPrefix: cfg.StorageOptions.RedisPrefix,
		})
	case AdapterMongo:
		return store.NewMongoStore(ctx, store.MongoOptions{
			URI:      cfg.StorageOptions.MongoURI,
			Database: cfg.StorageOptions.MongoDatabase,
		})
	case AdapterPostgres:
		return store.NewPostgresStore(ctx, cfg.StorageOptions.PostgresDSN)
	case AdapterCustom:
		return cfg.Store, nil
	default:
		return nil, fmt.Errorf("unknown storage adapter %q: %w", cfg.StorageAdapter, store.ErrInvalidArgument)
	}
}

// emit forwards an event to subscribers and the bounded history ring.
func (e *Engine) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.history.record(ev)
	e.events.emit(ev)
}

// Register binds a handler (and optional lifecycle hooks) to a queue. Call
// before serving deliveries; the registry is read-only during delivery
// handling.
func (e *Engine) Register(reg Registration) error {
	return e.registry.Register(reg)
}

// Subscribe registers a listener for lifecycle events. Listeners run
// synchronously on the emitting goroutine and are isolated from each other.
func (e *Engine) Subscribe(kind EventKind, fn func(Event)) Unsubscribe {
	return e.events.subscribe(kind, fn)
}

// RecentEvents returns up to n recent lifecycle events, newest first.
func (e *Engine) RecentEvents(n int) []Event {
	return e.history.recent(n)
}

// AddTask creates a task on queueName and registers it with the dispatcher.
func (e *Engine) AddTask(ctx context.Context, queueName string, data any, opts AddTaskOptions) (AddTaskResult, error) {
	return e.producer.AddTask(ctx, queueName, data, opts)
}

// AddChain creates an ordered chain of tasks on queueName.
func (e *Engine) AddChain(ctx context.Context, queueName string, entries []ChainEntry, opts ChainOptions) ([]AddTaskResult, error) {
	return e.producer.AddChain(ctx, queueName, entries, opts)
}

// ProcessDelivery executes one dispatcher delivery.
func (e *Engine) ProcessDelivery(ctx context.Context, payload DeliveryPayload) (json.RawMessage, error) {
	return e.consumer.ProcessDelivery(ctx, payload)
}

// UpdateTaskProgress reports progress for an in-flight task.
func (e *Engine) UpdateTaskProgress(ctx context.Context, taskID string, progress store.Progress) error {
	return e.consumer.UpdateTaskProgress(ctx, taskID, progress)
}

// RateLimiter exposes the shared limiter for callers enforcing their own
// keys (user, ip, processor).
func (e *Engine) RateLimiter() *RateLimiter {
	return e.limiter
}

// Store exposes the storage adapter for administrative queries.
func (e *Engine) Store() store.Store {
	return e.store
}

// GetTask loads a task by id.
func (e *Engine) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return e.store.GetTask(ctx, id)
}

// QueryTasks lists tasks matching the filter.
func (e *Engine) QueryTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	return e.store.QueryTasks(ctx, filter)
}

// CountTasks counts tasks matching the filter.
func (e *Engine) CountTasks(ctx context.Context, filter store.TaskFilter) (int, error) {
	return e.store.CountTasks(ctx, filter)
}

// DeleteTask removes a task.
func (e *Engine) DeleteTask(ctx context.Context, id string) (bool, error) {
	return e.store.DeleteTask(ctx, id)
}

// Cleanup bulk-deletes tasks matching the policy.
func (e *Engine) Cleanup(ctx context.Context, policy store.CleanupPolicy) (int, error) {
	return e.store.Cleanup(ctx, policy)
}

func (e *Engine) janitorLoop() {
	defer close(e.janitorDone)
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.janitorStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CleanupInterval)
			n, err := e.store.Cleanup(ctx, *e.cfg.CleanupPolicy)
			cancel()
			if err != nil {
				e.log.Warnw("cleanup pass failed", "error", err)
				continue
			}
			if n > 0 {
				e.log.Infow("cleanup pass removed tasks", "count", n)
			}
		}
	}
}

// Close drains in-flight deliveries, stops the janitor and closes the
// storage adapter. In-flight deliveries complete and their final state is
// persisted before Close returns.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		if e.janitorStop != nil {
			close(e.janitorStop)
			<-e.janitorDone
		}
		e.consumer.drain()
		err = e.store.Close(ctx)
	})
	return err
}
