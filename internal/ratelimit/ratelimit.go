// Package ratelimit throttles requests to the mail service: 429 responses
// are retried with exponential backoff, honoring the Retry-After header
// when the service sends one.
package ratelimit

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Config holds settings for the rate-limiting HTTP client.
type Config struct {
	// MaxRetries is the number of retry attempts after a 429. Default 5.
	MaxRetries int

	// BaseDelay is the delay before the first retry. Default 1 second.
	BaseDelay time.Duration

	// MaxDelay caps the backoff between retries. Default 32 seconds.
	MaxDelay time.Duration

	// EnableJitter spreads retries by ±20% to avoid synchronized bursts.
	EnableJitter bool

	// HTTPClient is the underlying transport. Default: 30 second timeout.
	HTTPClient *http.Client

	// Stats is an optional tracker for rate limit events.
	Stats *Stats
}

// Client wraps an HTTP client with 429 retry handling.
type Client struct {
	httpClient   *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	enableJitter bool
	stats        *Stats
}

// NewClient creates a rate-limiting HTTP client.
func NewClient(cfg Config) *Client {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 1 * time.Second
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 32 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		httpClient:   httpClient,
		maxRetries:   maxRetries,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		enableJitter: cfg.EnableJitter,
		stats:        cfg.Stats,
	}
}

// Do performs a request, retrying on 429. The body is replayed on each
// attempt and prepare is called on every fresh request, so headers set
// there survive retries.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, prepare func(*http.Request)) (*http.Response, error) {
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader *bytes.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		var req *http.Request
		var err error
		if bodyReader != nil {
			req, err = http.NewRequestWithContext(ctx, method, url, bodyReader)
		} else {
			req, err = http.NewRequestWithContext(ctx, method, url, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if prepare != nil {
			prepare(req)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		_ = resp.Body.Close()

		if c.stats != nil {
			c.stats.RecordRateLimit()
		}

		if attempt >= c.maxRetries {
			break
		}

		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"))
		delay := c.calculateBackoff(attempt, retryAfter)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, &RateLimitError{Attempt: c.maxRetries, MaxAttempts: c.maxRetries}
}

// calculateBackoff computes the delay for a given attempt.
func (c *Client) calculateBackoff(attempt int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil {
		return *retryAfter
	}

	delay := c.baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > c.maxDelay {
		delay = c.maxDelay
	}

	if c.enableJitter {
		jitterFactor := 0.8 + rand.Float64()*0.4 // 0.8 to 1.2
		delay = time.Duration(float64(delay) * jitterFactor)
	}

	return delay
}

// RateLimitError is returned when 429 retries are exhausted.
type RateLimitError struct {
	Attempt     int
	MaxAttempts int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("mail service rate limit exceeded after %d retries (max %d)", e.Attempt, e.MaxAttempts)
}

// ParseRetryAfter parses a Retry-After header value, accepting both the
// seconds form and the HTTP-date form. Returns nil when invalid or empty.
func ParseRetryAfter(value string) *time.Duration {
	if value == "" {
		return nil
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds < 0 {
			return nil
		}
		d := time.Duration(seconds) * time.Second
		return &d
	}

	if t, err := http.ParseTime(value); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return &d
	}

	return nil
}

// Stats tracks rate limit events.
type Stats struct {
	mu              sync.RWMutex
	rateLimitCount  int64
	lastRateLimitAt time.Time
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// RecordRateLimit records a rate limit event.
func (s *Stats) RecordRateLimit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimitCount++
	s.lastRateLimitAt = time.Now()
}

// RateLimitCount returns the total number of rate limit events.
func (s *Stats) RateLimitCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rateLimitCount
}

// LastRateLimitTime returns the time of the last rate limit event.
func (s *Stats) LastRateLimitTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRateLimitAt
}
