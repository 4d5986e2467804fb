// Package httpretry wraps an HTTP client with a bounded retry loop for
// the transient failure classes external document APIs throw: connection
// resets, timeouts, and retryable status codes.
package httpretry

import (
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// HTTPDoer executes HTTP requests. Both *http.Client and *RetryClient
// satisfy it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient retries transient failures with exponential backoff and
// full jitter. Client errors (4xx other than 429) are never retried.
type RetryClient struct {
	client      HTTPDoer
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// New wraps client with up to maxAttempts total attempts. A nil client
// gets a default http.Client with a 30s timeout; maxAttempts below 1
// becomes 5.
func New(client HTTPDoer, maxAttempts int) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	return &RetryClient{
		client:      client,
		maxAttempts: maxAttempts,
		baseDelay:   time.Second,
		maxDelay:    30 * time.Second,
	}
}

// Do executes the request, retrying transient network errors and
// retryable status codes. The final attempt's error or response is
// returned as-is so callers can inspect it.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 1; attempt <= rc.maxAttempts; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if attempt > 1 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: reset request body: %w", err)
				}
				req.Body = body
			}
			delay := rc.backoff(attempt)
			log.Printf("httpretry: attempt %d/%d for %s %s (waiting %s)",
				attempt, rc.maxAttempts, req.Method, req.URL.Host, delay)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			continue
		}

		if !retryableStatus(resp.StatusCode) || attempt == rc.maxAttempts {
			return resp, nil
		}

		// Drain for connection reuse before retrying.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

func (rc *RetryClient) backoff(attempt int) time.Duration {
	exp := float64(rc.baseDelay) * math.Pow(2, float64(attempt-2))
	if exp > float64(rc.maxDelay) {
		exp = float64(rc.maxDelay)
	}
	d := time.Duration(rand.Float64() * exp)
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
