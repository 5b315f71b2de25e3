// Package dispatcher wraps the external managed task-dispatch service. The
// service owns durable enqueue and timed HTTP delivery; this client only
// submits work to it.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// QueueOptions carries the retry defaults applied when a queue is created on
// the dispatcher side.
type QueueOptions struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Client is the engine's only view of the dispatch service.
type Client interface {
	// EnqueueHTTP registers a task for timed HTTP delivery to url. The body
	// is delivered verbatim as the POST payload. serviceAccountEmail, when
	// set, is the OIDC subject the dispatcher authenticates the callback
	// with.
	EnqueueHTTP(ctx context.Context, queuePath, url string, body []byte, delay time.Duration, serviceAccountEmail string) error

	// CreateQueue provisions a queue on the dispatcher. Existing queues are
	// not an error.
	CreateQueue(ctx context.Context, queuePath string, opts QueueOptions) error
}

// NopClient discards every call. Used in tests and in local mode where
// deliveries are driven by hand.
type NopClient struct{}

func (NopClient) EnqueueHTTP(ctx context.Context, queuePath, url string, body []byte, delay time.Duration, serviceAccountEmail string) error {
	return nil
}

func (NopClient) CreateQueue(ctx context.Context, queuePath string, opts QueueOptions) error {
	return nil
}

// TokenSource mints a bearer token for the dispatcher API.
type TokenSource func(ctx context.Context) (string, error)

// HTTPClient talks to the dispatcher's REST endpoint. Submissions are paced
// with a token bucket so a burst of producers cannot storm the service, and
// a circuit breaker sheds calls after consecutive failures so a dispatcher
// outage does not stall every AddTask on a full HTTP timeout.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *circuitBreaker
	tokens   TokenSource
}

// HTTPClientOptions configures NewHTTPClient.
type HTTPClientOptions struct {
	// Endpoint is the base URL of the dispatcher REST API.
	Endpoint string
	// TokenSource mints bearer tokens; nil sends unauthenticated requests.
	TokenSource TokenSource
	// EnqueuesPerSecond caps the submission rate. Zero means 50/s.
	EnqueuesPerSecond float64
	// Timeout per HTTP call. Zero means 10s.
	Timeout time.Duration
}

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	rps := opts.EnqueuesPerSecond
	if rps <= 0 {
		rps = 50
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		endpoint: opts.Endpoint,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), int(rps)),
		breaker:  newCircuitBreaker(5, 30*time.Second),
		tokens:   opts.TokenSource,
	}
}

type enqueueRequest struct {
	Queue               string `json:"queue"`
	URL                 string `json:"url"`
	Body                string `json:"body"`
	ScheduleDelaySecs   int64  `json:"scheduleDelaySeconds,omitempty"`
	ServiceAccountEmail string `json:"serviceAccountEmail,omitempty"`
}

type createQueueRequest struct {
	Queue         string `json:"queue"`
	MaxRetries    int    `json:"maxRetries,omitempty"`
	RetryDelaySec int64  `json:"retryDelaySeconds,omitempty"`
}

func (c *HTTPClient) EnqueueHTTP(ctx context.Context, queuePath, url string, body []byte, delay time.Duration, serviceAccountEmail string) error {
	req := enqueueRequest{
		Queue:               queuePath,
		URL:                 url,
		Body:                base64.StdEncoding.EncodeToString(body),
		ServiceAccountEmail: serviceAccountEmail,
	}
	if delay > 0 {
		req.ScheduleDelaySecs = int64(delay / time.Second)
	}
	return c.post(ctx, c.endpoint+"/v1/tasks", req)
}

func (c *HTTPClient) CreateQueue(ctx context.Context, queuePath string, opts QueueOptions) error {
	req := createQueueRequest{Queue: queuePath, MaxRetries: opts.MaxRetries}
	if opts.RetryDelay > 0 {
		req.RetryDelaySec = int64(opts.RetryDelay / time.Second)
	}
	err := c.post(ctx, c.endpoint+"/v1/queues", req)
	if err != nil && isStatus(err, http.StatusConflict) {
		// Queue already exists.
		return nil
	}
	return err
}

func (c *HTTPClient) post(ctx context.Context, url string, payload any) error {
	if !c.breaker.allow() {
		return fmt.Errorf("dispatcher circuit open, dropping call to %s", url)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		token, err := c.tokens(ctx)
		if err != nil {
			return fmt.Errorf("dispatcher token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.recordFailure()
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := &statusError{code: resp.StatusCode, body: string(msg)}
		// 4xx is caller misuse, not dispatcher health.
		if resp.StatusCode >= 500 {
			c.breaker.recordFailure()
		}
		return statusErr
	}
	c.breaker.recordSuccess()
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("dispatcher returned %d: %s", e.code, e.body)
}

func isStatus(err error, code int) bool {
	se, ok := err.(*statusError)
	return ok && se.code == code
}
