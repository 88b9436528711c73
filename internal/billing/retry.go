package billing

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines retry behavior for billing service calls
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []int
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		BackoffFactor:   2.0,
		RetryableErrors: []int{429, 500, 502, 503, 504},
	}
}

// RateLimiter spaces calls at least interval apart.
type RateLimiter struct {
	mu       sync.Mutex
	lastCall time.Time
	interval time.Duration
}

// NewRateLimiter creates a rate limiter. A non-positive rate disables it.
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	if requestsPerSecond <= 0 {
		return &RateLimiter{}
	}
	return &RateLimiter{interval: time.Duration(float64(time.Second) / requestsPerSecond)}
}

// Wait blocks until the next call may proceed or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if !rl.lastCall.IsZero() {
		if wait := rl.interval - time.Since(rl.lastCall); wait > 0 {
			log.Debug().Str("system", "billing").Dur("sleep", wait).Msg("rate limiting credit check")
			if err := sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	rl.lastCall = time.Now()
	return nil
}

// RetryableHTTPClient wraps an HTTP client with retries and rate limiting
type RetryableHTTPClient struct {
	client      *http.Client
	retryConfig RetryConfig
	rateLimiter *RateLimiter
}

func NewRetryableHTTPClient(timeout time.Duration, requestsPerSecond float64) *RetryableHTTPClient {
	return &RetryableHTTPClient{
		client:      &http.Client{Timeout: timeout},
		retryConfig: DefaultRetryConfig(),
		rateLimiter: NewRateLimiter(requestsPerSecond),
	}
}

// Do executes req, retrying transport errors and retryable status codes
// with exponential backoff. Requests must not carry a body.
func (c *RetryableHTTPClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var lastErr error
	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req.Clone(ctx))
		retry := attempt < c.retryConfig.MaxRetries
		switch {
		case err != nil:
			lastErr = err
			if !retry || ctx.Err() != nil {
				return nil, lastErr
			}
			log.Warn().Err(err).Str("system", "billing").Int("attempt", attempt+1).
				Str("url", req.URL.String()).Msg("credit request failed, retrying")
		case retry && slices.Contains(c.retryConfig.RetryableErrors, resp.StatusCode):
			resp.Body.Close()
			log.Warn().Str("system", "billing").Int("status", resp.StatusCode).Int("attempt", attempt+1).
				Str("url", req.URL.String()).Msg("credit request returned retryable status, retrying")
		default:
			return resp, nil
		}
		if err := sleep(ctx, c.delay(attempt)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// delay is the exponential backoff for attempt with ±25% jitter.
func (c *RetryableHTTPClient) delay(attempt int) time.Duration {
	d := float64(c.retryConfig.InitialDelay) * math.Pow(c.retryConfig.BackoffFactor, float64(attempt))
	d += d * 0.25 * (2*rand.Float64() - 1)
	if d > float64(c.retryConfig.MaxDelay) {
		d = float64(c.retryConfig.MaxDelay)
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
