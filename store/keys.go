package store

import "fmt"

// DefaultKeyPrefix namespaces every key the Redis adapter writes.
const DefaultKeyPrefix = "taskmq:"

// Resource type for key-value keys.
type Resource string

const (
	ResourceTask   Resource = "task"
	ResourceQueue  Resource = "queue"
	ResourceChain  Resource = "chain"
	ResourceUnique Resource = "unique"
	ResourceRate   Resource = "rate"
)

// Key constructs a fully qualified key-value key.
// Format: {prefix}{resource}:{id}
func Key(prefix string, resource Resource, id string) string {
	return fmt.Sprintf("%s%s:%s", prefix, resource, id)
}

// Prefix constructs a scan pattern prefix for a resource.
// Format: {prefix}{resource}:
func Prefix(prefix string, resource Resource) string {
	return fmt.Sprintf("%s%s:", prefix, resource)
}
