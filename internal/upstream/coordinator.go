package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxRetries  = 2
	defaultBackoffBase = 1500 * time.Millisecond
	// Sized for inference models with variable "thinking" latency.
	defaultTimeout = 30 * time.Second

	// Ceiling on any single wait, so a misbehaving Retry-After header
	// cannot park a worker for minutes.
	maxRetryAfter = 300 * time.Second
)

// Config bounds the coordinator's retry behavior. It is read once at
// construction and never mutated afterwards; a consistent snapshot
// applies to every call.
type Config struct {
	// MaxRetries is the 429 retry budget. Negative values clamp to 0,
	// meaning a single attempt with no sleep.
	MaxRetries int
	// BackoffBase is the first fallback delay; attempt n waits
	// base*2^n plus full jitter when the server sends no usable
	// Retry-After hint.
	BackoffBase time.Duration
	// Timeout caps each individual attempt.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}

	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}

	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}

	return c
}

// Request describes one outbound call.
type Request struct {
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the decoded outcome of an attempt that got an HTTP
// answer. Non-2xx statuses other than 429 are returned here for the
// caller to handle; only 429 is retried inside the coordinator.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Coordinator wraps a single outbound call with capped retries on
// 429. It honors a server-supplied Retry-After hint, otherwise sleeps
// with full-jitter exponential backoff to desynchronize concurrent
// callers hitting the same upstream limiter. It never touches the
// local rate-limiter reservation; that stays the caller's obligation.
type Coordinator struct {
	client *http.Client
	cfg    Config
	logger *zap.Logger

	// Injectable for tests.
	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

// NewCoordinator creates a backoff coordinator. The underlying HTTP
// client is created once and reused across requests.
func NewCoordinator(cfg Config, logger *zap.Logger) *Coordinator {
	cfg = cfg.withDefaults()

	return &Coordinator{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
		sleep:  sleepContext,
		random: rand.Float64,
	}
}

// Do posts the request, retrying only on 429 until the budget is
// exhausted. Transport failures (timeout, connection error) terminate
// the attempt immediately and are never retried here.
func (c *Coordinator) Do(ctx context.Context, req *Request) (*Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.attempt(ctx, req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		if attempt >= c.cfg.MaxRetries {
			c.logger.Warn("upstream rate limited, retry budget exhausted",
				zap.Int("attempts", attempt+1),
			)

			return nil, ErrRateLimited
		}

		base := c.cfg.BackoffBase << attempt
		fallback := base + time.Duration(c.random()*float64(base))
		wait := retryAfterDuration(resp.Header.Get("Retry-After"), fallback)

		c.logger.Info("upstream returned 429, backing off",
			zap.Int("attempt", attempt+1),
			zap.Int("budget", c.cfg.MaxRetries+1),
			zap.Duration("wait", wait),
		)

		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (c *Coordinator) attempt(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %w", ErrConnection, err)
}

// retryAfterDuration normalizes a Retry-After header to a wait
// duration: a valid non-negative seconds value wins over the fallback,
// and either way the result is capped at maxRetryAfter.
func retryAfterDuration(raw string, fallback time.Duration) time.Duration {
	wait := fallback

	if raw != "" {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs >= 0 {
			wait = time.Duration(secs * float64(time.Second))
		}
	}

	if wait > maxRetryAfter {
		wait = maxRetryAfter
	}

	return wait
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
