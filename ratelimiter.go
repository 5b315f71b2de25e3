package taskmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edgar-durand/cloud-taskmq-go/store"
)

// RateLimiter is a thin facade over the store's atomic fixed-window counter.
// Counters are only ever mutated through the store, so the limit holds
// across every process sharing the backing store.
type RateLimiter struct {
	store store.Store
}

func NewRateLimiter(s store.Store) *RateLimiter {
	return &RateLimiter{store: s}
}

// RateLimitStatus is the outcome of a rate-limit check.
type RateLimitStatus struct {
	Allowed   bool      `json:"allowed"`
	Count     int64     `json:"count"`
	Limit     int       `json:"limit"`
	ResetTime time.Time `json:"resetTime"`
	Remaining int64     `json:"remaining"`
}

// CheckRateLimit consumes one slot under key. MaxRequests <= 0 denies
// without touching storage (and so never opens a window).
func (rl *RateLimiter) CheckRateLimit(ctx context.Context, key string, cfg RateLimiterConfig) (*RateLimitStatus, error) {
	if cfg.MaxRequests <= 0 {
		return &RateLimitStatus{Allowed: false, Limit: cfg.MaxRequests}, nil
	}

	res, err := rl.store.IncrementRateLimit(ctx, key, cfg.Window, cfg.MaxRequests)
	if err != nil {
		return nil, err
	}
	return statusFromResult(res, cfg.MaxRequests), nil
}

// GetStatus reads the current window without incrementing. Returns nil when
// no live window exists.
func (rl *RateLimiter) GetStatus(ctx context.Context, key string, cfg RateLimiterConfig) (*RateLimitStatus, error) {
	res, err := rl.store.GetRateLimit(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st := statusFromResult(res, cfg.MaxRequests)
	st.Allowed = res.Count < int64(cfg.MaxRequests)
	return st, nil
}

// Reset drops the window under key.
func (rl *RateLimiter) Reset(ctx context.Context, key string) error {
	return rl.store.DeleteRateLimit(ctx, key)
}

func statusFromResult(res *store.RateLimitResult, limit int) *RateLimitStatus {
	remaining := int64(limit) - res.Count
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitStatus{
		Allowed:   res.Count <= int64(limit),
		Count:     res.Count,
		Limit:     limit,
		ResetTime: res.ResetTime,
		Remaining: remaining,
	}
}

// Structured key builders. Every caller goes through these so keys stay
// consistent across producers and admin tooling.

func QueueRateKey(queueName string) string {
	return "queue:" + queueName
}

func UserRateKey(userID, endpoint string) string {
	if endpoint == "" {
		return "user:" + userID
	}
	return fmt.Sprintf("user:%s:%s", userID, endpoint)
}

func IPRateKey(ip, endpoint string) string {
	if endpoint == "" {
		return "ip:" + ip
	}
	return fmt.Sprintf("ip:%s:%s", ip, endpoint)
}

func ProcessorRateKey(queueName, taskName string) string {
	return fmt.Sprintf("processor:%s:%s", queueName, taskName)
}

// GlobalRateKey is the engine-wide limiter key.
const GlobalRateKey = "global"
