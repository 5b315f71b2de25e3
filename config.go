// Package taskmq layers typed processors, retry accounting, rate limiting,
// uniqueness, task chains and progress reporting over an external managed
// task-dispatch service. The dispatcher owns durable enqueue and timed HTTP
// delivery; this package owns everything else.
package taskmq

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edgar-durand/cloud-taskmq-go/dispatcher"
	"github.com/edgar-durand/cloud-taskmq-go/store"
)

// Adapter selects the storage backend.
type Adapter string

const (
	AdapterMemory   Adapter = "memory"
	AdapterRedis    Adapter = "redis"
	AdapterMongo    Adapter = "mongo"
	AdapterPostgres Adapter = "postgres"
	// AdapterCustom uses the Store supplied in Config.Store.
	AdapterCustom Adapter = "custom"
)

// RateLimiterConfig is a fixed-window ingress limit.
type RateLimiterConfig struct {
	MaxRequests int
	Window      time.Duration
}

// QueueConfig describes one logical queue.
type QueueConfig struct {
	// Name is the logical queue identifier tasks are addressed with.
	Name string
	// Path is the dispatcher-side queue resource path.
	Path string
	// ProcessorURL is the delivery callback URL. Falls back to
	// Config.DefaultProcessorURL.
	ProcessorURL string
	// ServiceAccountEmail is the OIDC subject for dispatcher-to-callback
	// auth.
	ServiceAccountEmail string
	// RateLimiter, when set, bounds AddTask throughput for this queue.
	RateLimiter *RateLimiterConfig
	// MaxRetries defaults new tasks' attempt cap. Zero means 3.
	MaxRetries int
	// RetryDelay is forwarded to dispatcher queue creation and used as the
	// per-step spacing hint for chains created with WaitForPrevious.
	RetryDelay time.Duration
}

// StorageOptions carries adapter-specific connection parameters.
type StorageOptions struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	MongoURI      string
	MongoDatabase string

	PostgresDSN string
}

// Config configures New. Unrecognised combinations fail fast rather than
// half-start.
type Config struct {
	// ProjectID and Location address the dispatcher.
	ProjectID string
	Location  string

	Queues []QueueConfig

	// StorageAdapter selects the backend; AdapterMemory when empty.
	StorageAdapter Adapter
	StorageOptions StorageOptions
	// Store is used as-is when StorageAdapter is AdapterCustom.
	Store store.Store

	// Dispatcher overrides the dispatch client. Defaults to
	// dispatcher.NopClient.
	Dispatcher dispatcher.Client

	// AutoCreateQueues provisions dispatcher-side queues at init.
	AutoCreateQueues bool

	// GlobalRateLimiter bounds AddTask throughput engine-wide, on top of
	// any per-queue limit.
	GlobalRateLimiter *RateLimiterConfig

	// DefaultProcessorURL is the callback URL for queues that do not set
	// their own.
	DefaultProcessorURL string

	// UniquenessTTL bounds uniqueness locks that do not specify a TTL.
	// Zero means 24h.
	UniquenessTTL time.Duration

	// CleanupInterval, when positive, runs CleanupPolicy against the store
	// periodically.
	CleanupInterval time.Duration
	CleanupPolicy   *store.CleanupPolicy

	// EventHistorySize bounds the in-memory ring of recent lifecycle
	// events. Zero means 256.
	EventHistorySize int

	// Logger defaults to zap.NewNop.
	Logger *zap.Logger
}

const (
	defaultMaxAttempts      = 3
	defaultUniquenessTTL    = 24 * time.Hour
	defaultEventHistorySize = 256
)

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if q.Name == "" {
			return fmt.Errorf("queue name is required: %w", store.ErrInvalidArgument)
		}
		if seen[q.Name] {
			return fmt.Errorf("duplicate queue %q: %w", q.Name, store.ErrInvalidArgument)
		}
		seen[q.Name] = true
	}
	if c.StorageAdapter == AdapterCustom && c.Store == nil {
		return fmt.Errorf("custom adapter requires Store: %w", store.ErrInvalidArgument)
	}
	return nil
}

// queuePath renders the dispatcher resource path for a queue, deriving it
// from ProjectID and Location when the queue does not set one.
func (c *Config) queuePath(q QueueConfig) string {
	if q.Path != "" {
		return q.Path
	}
	return fmt.Sprintf("projects/%s/locations/%s/queues/%s", c.ProjectID, c.Location, q.Name)
}

func (c *Config) processorURL(q QueueConfig) string {
	if q.ProcessorURL != "" {
		return q.ProcessorURL
	}
	return c.DefaultProcessorURL
}
