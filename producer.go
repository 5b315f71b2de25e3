package taskmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgar-durand/cloud-taskmq-go/dispatcher"
	"github.com/edgar-durand/cloud-taskmq-go/observability"
	"github.com/edgar-durand/cloud-taskmq-go/store"
)

// AddTaskOptions tunes a single AddTask call.
type AddTaskOptions struct {
	// TaskName selects a named handler within the queue.
	TaskName string
	// Delay postpones the earliest dispatch time.
	Delay time.Duration
	// MaxAttempts overrides the queue's retry cap.
	MaxAttempts int
	// UniquenessKey deduplicates task creation across processes while a
	// lock for the key is live.
	UniquenessKey string
	// UniquenessTTL bounds the lock; Config.UniquenessTTL when zero.
	UniquenessTTL    time.Duration
	RemoveOnComplete bool
	RemoveOnFail     bool
	Priority         int

	// Chain is populated by AddChain; callers normally leave it nil.
	Chain *store.ChainInfo
}

// AddTaskResult is the structured outcome of AddTask. Anticipated conditions
// (uniqueness skip, rate-limit denial) are reported here, not as errors.
type AddTaskResult struct {
	TaskID  string `json:"taskId"`
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ChainEntry is one step of AddChain.
type ChainEntry struct {
	Data    any
	Options AddTaskOptions
}

// ChainOptions tunes AddChain.
type ChainOptions struct {
	// ID overrides the generated chain id.
	ID string
	// WaitForPrevious asks that each step be delivered after its
	// predecessor. Chain progression belongs to the dispatcher; the
	// producer honours this only as a scheduling hint by stacking the
	// queue's RetryDelay per step.
	WaitForPrevious bool
}

// Producer validates, deduplicates, rate-limits, persists and registers
// tasks with the dispatcher.
type Producer struct {
	cfg     *Config
	queues  map[string]QueueConfig
	store   store.Store
	client  dispatcher.Client
	limiter *RateLimiter
	emit    func(Event)
	log     *zap.SugaredLogger
}

func newProducer(cfg *Config, s store.Store, client dispatcher.Client, limiter *RateLimiter, emit func(Event), log *zap.SugaredLogger) *Producer {
	queues := make(map[string]QueueConfig, len(cfg.Queues))
	for _, q := range cfg.Queues {
		queues[q.Name] = q
	}
	return &Producer{
		cfg:     cfg,
		queues:  queues,
		store:   s,
		client:  client,
		limiter: limiter,
		emit:    emit,
		log:     log,
	}
}

// AddTask creates a task on queueName. The returned result always carries
// the generated task id, even when the call did not succeed, so callers can
// reference a locally-persisted task. The error return is reserved for
// caller misuse and storage failures.
func (p *Producer) AddTask(ctx context.Context, queueName string, data any, opts AddTaskOptions) (AddTaskResult, error) {
	taskID := uuid.NewString()
	result := AddTaskResult{TaskID: taskID}

	queue, ok := p.queues[queueName]
	if !ok {
		result.Error = fmt.Sprintf("unknown queue %q", queueName)
		return result, fmt.Errorf("unknown queue %q: %w", queueName, store.ErrInvalidArgument)
	}

	// Uniqueness gate. A live lock means an equivalent task already exists.
	lockTaken := false
	if opts.UniquenessKey != "" {
		ttl := opts.UniquenessTTL
		if ttl <= 0 {
			ttl = p.cfg.UniquenessTTL
		}
		if ttl <= 0 {
			ttl = defaultUniquenessTTL
		}
		acquired, err := p.store.SetUniquenessKeyActive(ctx, opts.UniquenessKey, taskID, ttl)
		if err != nil {
			result.Error = err.Error()
			return result, err
		}
		if !acquired {
			observability.TasksSkipped.WithLabelValues(queueName).Inc()
			result.Skipped = true
			return result, nil
		}
		lockTaken = true
	}

	// Rate-limit gates. A denial releases the lock taken above so the key
	// is free for a later attempt.
	releaseLock := func() {
		if !lockTaken {
			return
		}
		if err := p.store.RemoveUniquenessKey(ctx, opts.UniquenessKey); err != nil {
			p.log.Warnw("failed to release uniqueness lock", "key", opts.UniquenessKey, "error", err)
		}
	}

	if p.cfg.GlobalRateLimiter != nil {
		if denied, err := p.checkLimit(ctx, GlobalRateKey, *p.cfg.GlobalRateLimiter); err != nil {
			releaseLock()
			result.Error = err.Error()
			return result, err
		} else if denied {
			releaseLock()
			result.Error = "rate limit exceeded"
			return result, nil
		}
	}
	if queue.RateLimiter != nil {
		if denied, err := p.checkLimit(ctx, QueueRateKey(queueName), *queue.RateLimiter); err != nil {
			releaseLock()
			result.Error = err.Error()
			return result, err
		} else if denied {
			releaseLock()
			result.Error = "rate limit exceeded"
			return result, nil
		}
	}

	task, err := p.buildTask(taskID, queue, data, opts)
	if err != nil {
		releaseLock()
		result.Error = err.Error()
		return result, err
	}

	if err := p.store.SaveTask(ctx, task); err != nil {
		releaseLock()
		result.Error = err.Error()
		return result, err
	}

	// Dispatcher failure is not fatal: the task stays persisted for later
	// local or manual processing.
	payload, err := json.Marshal(payloadFromTask(task))
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	err = p.client.EnqueueHTTP(ctx, p.cfg.queuePath(queue), p.cfg.processorURL(queue), payload, opts.Delay, queue.ServiceAccountEmail)
	if err != nil {
		observability.DispatcherEnqueueFailures.WithLabelValues(queueName).Inc()
		p.log.Warnw("dispatcher enqueue failed, task persisted locally",
			"taskId", taskID, "queue", queueName, "error", err)
	}

	observability.TasksAdded.WithLabelValues(queueName).Inc()
	p.emit(Event{
		Kind:      EventTaskAdded,
		TaskID:    taskID,
		QueueName: queueName,
		Data:      task.Data,
	})

	result.Success = true
	return result, nil
}

// checkLimit returns denied=true when the limiter rejects the call.
func (p *Producer) checkLimit(ctx context.Context, key string, cfg RateLimiterConfig) (bool, error) {
	status, err := p.limiter.CheckRateLimit(ctx, key, cfg)
	if err != nil {
		return false, err
	}
	if !status.Allowed {
		observability.RateLimitDenials.WithLabelValues(key).Inc()
		return true, nil
	}
	return false, nil
}

func (p *Producer) buildTask(taskID string, queue QueueConfig, data any, opts AddTaskOptions) (*store.Task, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal task data: %v: %w", err, store.ErrInvalidArgument)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = queue.MaxRetries
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	now := time.Now()
	task := &store.Task{
		ID:            taskID,
		QueueName:     queue.Name,
		TaskName:      opts.TaskName,
		Data:          raw,
		Status:        store.StatusIdle,
		Attempts:      0,
		MaxAttempts:   maxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
		Chain:         opts.Chain,
		UniquenessKey: opts.UniquenessKey,
		Options: store.TaskOptions{
			TaskName:         opts.TaskName,
			RemoveOnComplete: opts.RemoveOnComplete,
			RemoveOnFail:     opts.RemoveOnFail,
			Priority:         opts.Priority,
		},
	}
	if opts.Delay > 0 {
		scheduled := now.Add(opts.Delay)
		task.ScheduledFor = &scheduled
	}
	return task, nil
}

// AddChain creates an ordered chain of tasks on queueName. On the first
// failure it stops and returns the partial results; previously enqueued
// steps are not rolled back.
func (p *Producer) AddChain(ctx context.Context, queueName string, entries []ChainEntry, opts ChainOptions) ([]AddTaskResult, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("chain requires at least one entry: %w", store.ErrInvalidArgument)
	}

	chainID := opts.ID
	if chainID == "" {
		chainID = uuid.NewString()
	}

	queue := p.queues[queueName]
	results := make([]AddTaskResult, 0, len(entries))
	for i, entry := range entries {
		taskOpts := entry.Options
		taskOpts.Chain = &store.ChainInfo{
			ID:              chainID,
			Index:           i,
			Total:           len(entries),
			WaitForPrevious: opts.WaitForPrevious,
		}
		if opts.WaitForPrevious && queue.RetryDelay > 0 {
			// Scheduling hint only: the dispatcher owns actual chain
			// progression.
			taskOpts.Delay += time.Duration(i) * queue.RetryDelay
		}

		res, err := p.AddTask(ctx, queueName, entry.Data, taskOpts)
		results = append(results, res)
		if err != nil {
			return results, err
		}
		if !res.Success {
			return results, nil
		}
	}
	return results, nil
}
